package staging

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

type Repository interface {
	Save(ctx context.Context, cfg *Config) error
	Get(ctx context.Context, id string) (*Config, error)
	Delete(ctx context.Context, id string) error
	PruneExpired(ctx context.Context) (int64, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Save(ctx context.Context, cfg *Config) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	query := `INSERT INTO staged_configs (owner_id, payload, expires_at)
		VALUES ($1, $2, NOW() + INTERVAL '24 hours') RETURNING id, expires_at, created_at`
	return r.db.QueryRowContext(ctx, query, cfg.OwnerID, payload).
		Scan(&cfg.ID, &cfg.ExpiresAt, &cfg.CreatedAt)
}

// Get returns a draft. A draft past its expiry behaves exactly like a
// missing one, apart from the error value.
func (r *PostgresRepo) Get(ctx context.Context, id string) (*Config, error) {
	var payload []byte
	var expiresAt, createdAt time.Time
	query := `SELECT payload, expires_at, created_at FROM staged_configs WHERE id = $1`
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&payload, &expiresAt, &createdAt); err != nil {
		return nil, err
	}

	if time.Now().After(expiresAt) {
		return nil, ErrExpired
	}

	cfg := &Config{}
	if err := json.Unmarshal(payload, cfg); err != nil {
		return nil, err
	}
	cfg.ID = id
	cfg.ExpiresAt = expiresAt
	cfg.CreatedAt = createdAt
	return cfg, nil
}

func (r *PostgresRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM staged_configs WHERE id = $1`, id)
	return err
}

func (r *PostgresRepo) PruneExpired(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM staged_configs WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
