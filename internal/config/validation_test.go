package config_test

import (
	"errors"
	"testing"

	"lorebase/internal/config"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	valid := config.Config{
		DBHost:         "localhost",
		DBUser:         "user",
		DBName:         "db",
		RunWorkers:     4,
		EmbedBatchSize: 32,
	}

	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr bool
	}{
		{"Valid Config", func(c *config.Config) {}, false},
		{"Missing DBHost", func(c *config.Config) { c.DBHost = "" }, true},
		{"Missing DBUser", func(c *config.Config) { c.DBUser = "" }, true},
		{"Missing DBName", func(c *config.Config) { c.DBName = "" }, true},
		{"Zero RunWorkers", func(c *config.Config) { c.RunWorkers = 0 }, true},
		{"Zero EmbedBatchSize", func(c *config.Config) { c.EmbedBatchSize = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, config.ErrMissingRequired))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
