package stats

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockKBRepo struct{ mock.Mock }

func (m *MockKBRepo) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type MockRunRepo struct{ mock.Mock }

func (m *MockRunRepo) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type MockChunkRepo struct{ mock.Mock }

func (m *MockChunkRepo) CountChunks(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func TestHandler_GetStats_Table(t *testing.T) {
	tests := []struct {
		name       string
		setupMocks func(*MockKBRepo, *MockRunRepo, *MockChunkRepo)
		wantStatus int
		wantError  bool
		checkBody  func(*testing.T, map[string]interface{})
	}{
		{
			name: "Success",
			setupMocks: func(k *MockKBRepo, r *MockRunRepo, c *MockChunkRepo) {
				k.On("Count", mock.Anything).Return(10, nil)
				r.On("Count", mock.Anything).Return(5, nil)
				c.On("CountChunks", mock.Anything).Return(100, nil)
			},
			wantStatus: http.StatusOK,
			wantError:  false,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				data := body["data"].(map[string]interface{})
				assert.EqualValues(t, 10, data["knowledge_bases"])
				assert.EqualValues(t, 5, data["runs"])
				assert.EqualValues(t, 100, data["chunks"])
			},
		},
		{
			name: "KBRepo Error",
			setupMocks: func(k *MockKBRepo, r *MockRunRepo, c *MockChunkRepo) {
				k.On("Count", mock.Anything).Return(0, errors.New("db error"))
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  true,
		},
		{
			name: "RunRepo Error",
			setupMocks: func(k *MockKBRepo, r *MockRunRepo, c *MockChunkRepo) {
				k.On("Count", mock.Anything).Return(10, nil)
				r.On("Count", mock.Anything).Return(0, errors.New("db error"))
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  true,
		},
		{
			name: "ChunkRepo Error",
			setupMocks: func(k *MockKBRepo, r *MockRunRepo, c *MockChunkRepo) {
				k.On("Count", mock.Anything).Return(10, nil)
				r.On("Count", mock.Anything).Return(5, nil)
				c.On("CountChunks", mock.Anything).Return(0, errors.New("db error"))
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mKB := new(MockKBRepo)
			mRun := new(MockRunRepo)
			mChunk := new(MockChunkRepo)

			tt.setupMocks(mKB, mRun, mChunk)

			h := NewHandler(mKB, mRun, mChunk)
			req := httptest.NewRequest("GET", "/stats", nil)
			w := httptest.NewRecorder()

			h.GetStats(w, req)

			resp := w.Result()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			var body map[string]interface{}
			err := json.NewDecoder(resp.Body).Decode(&body)
			assert.NoError(t, err)

			if tt.wantError {
				assert.Contains(t, body, "error")
				errMap := body["error"].(map[string]interface{})
				assert.Equal(t, "INTERNAL_ERROR", errMap["code"])
			} else {
				tt.checkBody(t, body)
			}
		})
	}
}
