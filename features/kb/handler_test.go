package kb_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lorebase/features/document"
	"lorebase/features/kb"
	"lorebase/features/run"
	"lorebase/features/staging"
	"lorebase/internal/retrieval"
)

type MockSearcher struct{ mock.Mock }

func (m *MockSearcher) Search(ctx context.Context, kbID, query string, opts *retrieval.Options) ([]retrieval.Result, error) {
	args := m.Called(ctx, kbID, query, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]retrieval.Result), args.Error(1)
}

func newHandlerMocks() (*MockKBRepo, *MockDocRepo, *MockRunRepo, *MockStagingRepo, *MockSearcher, *kb.Handler) {
	kbRepo := new(MockKBRepo)
	docRepo := new(MockDocRepo)
	runRepo := new(MockRunRepo)
	stagingRepo := new(MockStagingRepo)
	pub := new(MockPublisher)
	purger := new(MockVectorPurger)
	searcher := new(MockSearcher)
	pub.On("Publish", mock.Anything, mock.Anything).Return(nil).Maybe()
	svc := kb.NewService(kbRepo, docRepo, runRepo, stagingRepo, pub, purger, "gemini-embedding-001")
	return kbRepo, docRepo, runRepo, stagingRepo, searcher, kb.NewHandler(svc, searcher)
}

func mustRequest(method, target, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	return r
}

func pathRequest(method, target, body, id string) *http.Request {
	r := mustRequest(method, target, body)
	r.SetPathValue("id", id)
	return r
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error.Code
}

func TestHandler_Finalize(t *testing.T) {
	t.Run("Created", func(t *testing.T) {
		kbRepo, docRepo, runRepo, stagingRepo, _, handler := newHandlerMocks()

		stagingRepo.On("Get", mock.Anything, "draft-1").Return(stagedDraft(), nil)
		kbRepo.On("Save", mock.Anything, mock.Anything).Return(nil)
		docRepo.On("BulkCreate", mock.Anything, mock.Anything).Return([]string{"d1", "d2"}, nil)
		runRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
		stagingRepo.On("Delete", mock.Anything, "draft-1").Return(nil)

		w := httptest.NewRecorder()
		handler.Finalize(w, mustRequest("POST", "/knowledge-bases/finalize", `{"staged_id":"draft-1"}`))

		assert.Equal(t, http.StatusCreated, w.Code)
		var resp struct {
			Data struct {
				KnowledgeBase kb.KnowledgeBase `json:"knowledge_base"`
				Run           run.Run          `json:"run"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, kb.StatusProcessing, resp.Data.KnowledgeBase.Status)
		assert.Equal(t, run.StatusQueued, resp.Data.Run.Status)
	})

	t.Run("MissingStagedID", func(t *testing.T) {
		_, _, _, _, _, handler := newHandlerMocks()

		w := httptest.NewRecorder()
		handler.Finalize(w, mustRequest("POST", "/knowledge-bases/finalize", `{}`))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "VALIDATION_ERROR", decodeError(t, w))
	})

	t.Run("DraftNotFound", func(t *testing.T) {
		_, _, _, stagingRepo, _, handler := newHandlerMocks()
		stagingRepo.On("Get", mock.Anything, "missing").Return(nil, sql.ErrNoRows)

		w := httptest.NewRecorder()
		handler.Finalize(w, mustRequest("POST", "/knowledge-bases/finalize", `{"staged_id":"missing"}`))

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "NOT_FOUND", decodeError(t, w))
	})

	t.Run("DraftExpired", func(t *testing.T) {
		_, _, _, stagingRepo, _, handler := newHandlerMocks()
		stagingRepo.On("Get", mock.Anything, "old").Return(nil, staging.ErrExpired)

		w := httptest.NewRecorder()
		handler.Finalize(w, mustRequest("POST", "/knowledge-bases/finalize", `{"staged_id":"old"}`))

		assert.Equal(t, http.StatusGone, w.Code)
		assert.Equal(t, "STAGED_EXPIRED", decodeError(t, w))
	})

	t.Run("ActiveRunConflict", func(t *testing.T) {
		kbRepo, docRepo, runRepo, stagingRepo, _, handler := newHandlerMocks()
		stagingRepo.On("Get", mock.Anything, "draft-1").Return(stagedDraft(), nil)
		kbRepo.On("Save", mock.Anything, mock.Anything).Return(nil)
		docRepo.On("BulkCreate", mock.Anything, mock.Anything).Return([]string{"d1", "d2"}, nil)
		runRepo.On("Create", mock.Anything, mock.Anything).Return(run.ErrActiveRun)

		w := httptest.NewRecorder()
		handler.Finalize(w, mustRequest("POST", "/knowledge-bases/finalize", `{"staged_id":"draft-1"}`))

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "CONFLICT", decodeError(t, w))
	})
}

func TestHandler_Get(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		kbRepo, docRepo, _, _, _, handler := newHandlerMocks()
		kbRepo.On("Get", mock.Anything, "kb-1").Return(&kb.KnowledgeBase{ID: "kb-1", Status: kb.StatusReady}, nil)
		docRepo.On("ListByKB", mock.Anything, "kb-1").Return([]document.Document{{ID: "d1"}}, nil)

		w := httptest.NewRecorder()
		handler.Get(w, pathRequest("GET", "/knowledge-bases/kb-1", "", "kb-1"))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Data kb.Detail `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "kb-1", resp.Data.ID)
		assert.Len(t, resp.Data.Documents, 1)
	})

	t.Run("NotFound", func(t *testing.T) {
		kbRepo, _, _, _, _, handler := newHandlerMocks()
		kbRepo.On("Get", mock.Anything, "missing").Return(nil, sql.ErrNoRows)

		w := httptest.NewRecorder()
		handler.Get(w, pathRequest("GET", "/knowledge-bases/missing", "", "missing"))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestHandler_List_EmptyIsArray(t *testing.T) {
	kbRepo, _, _, _, _, handler := newHandlerMocks()
	kbRepo.On("List", mock.Anything, "owner-1").Return(nil, nil)

	w := httptest.NewRecorder()
	handler.List(w, mustRequest("GET", "/knowledge-bases?owner_id=owner-1", ""))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"data":[]`)
	assert.Contains(t, w.Body.String(), `"count":0`)
}

func TestHandler_Delete_RunInFlight(t *testing.T) {
	_, _, runRepo, _, _, handler := newHandlerMocks()
	runRepo.On("ActiveByKB", mock.Anything, "kb-1").Return(&run.Run{ID: "r1", Status: run.StatusRunning}, nil)

	w := httptest.NewRecorder()
	handler.Delete(w, pathRequest("DELETE", "/knowledge-bases/kb-1", "", "kb-1"))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", decodeError(t, w))
}

func TestHandler_Reindex(t *testing.T) {
	t.Run("Accepted", func(t *testing.T) {
		kbRepo, _, runRepo, _, _, handler := newHandlerMocks()
		kbRepo.On("Get", mock.Anything, "kb-1").Return(&kb.KnowledgeBase{ID: "kb-1", Status: kb.StatusReady}, nil)
		runRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
		kbRepo.On("UpdateStatus", mock.Anything, "kb-1", kb.StatusReindexing, "").Return(nil)

		w := httptest.NewRecorder()
		handler.Reindex(w, pathRequest("POST", "/knowledge-bases/kb-1/reindex", "", "kb-1"))
		assert.Equal(t, http.StatusAccepted, w.Code)
	})

	t.Run("NewChunkingAccepted", func(t *testing.T) {
		kbRepo, _, runRepo, _, _, handler := newHandlerMocks()
		kbRepo.On("Get", mock.Anything, "kb-1").Return(&kb.KnowledgeBase{ID: "kb-1", Status: kb.StatusReady}, nil)
		kbRepo.On("UpdateChunking", mock.Anything, "kb-1",
			kb.ChunkingConfig{Strategy: "sentence", MaxTokens: 128}).Return(nil)
		runRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
		kbRepo.On("UpdateStatus", mock.Anything, "kb-1", kb.StatusReindexing, "").Return(nil)

		w := httptest.NewRecorder()
		handler.Reindex(w, pathRequest("POST", "/knowledge-bases/kb-1/reindex",
			`{"chunking":{"strategy":"sentence","max_tokens":128}}`, "kb-1"))

		assert.Equal(t, http.StatusAccepted, w.Code)
		kbRepo.AssertExpectations(t)
	})

	t.Run("BadChunkingRejected", func(t *testing.T) {
		kbRepo, _, _, _, _, handler := newHandlerMocks()
		kbRepo.On("Get", mock.Anything, "kb-1").Return(&kb.KnowledgeBase{ID: "kb-1", Status: kb.StatusReady}, nil)

		w := httptest.NewRecorder()
		handler.Reindex(w, pathRequest("POST", "/knowledge-bases/kb-1/reindex",
			`{"chunking":{"strategy":"magic"}}`, "kb-1"))

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "VALIDATION_ERROR", decodeError(t, w))
	})

	t.Run("NotTerminal", func(t *testing.T) {
		kbRepo, _, _, _, _, handler := newHandlerMocks()
		kbRepo.On("Get", mock.Anything, "kb-1").Return(&kb.KnowledgeBase{ID: "kb-1", Status: kb.StatusReindexing}, nil)

		w := httptest.NewRecorder()
		handler.Reindex(w, pathRequest("POST", "/knowledge-bases/kb-1/reindex", "", "kb-1"))
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestHandler_Search(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		kbRepo, _, _, _, searcher, handler := newHandlerMocks()
		kbRepo.On("Get", mock.Anything, "kb-1").Return(&kb.KnowledgeBase{ID: "kb-1", Status: kb.StatusReady}, nil)
		searcher.On("Search", mock.Anything, "kb-1", "how to install",
			&retrieval.Options{TopK: 5, Rerank: true}).
			Return([]retrieval.Result{{ChunkID: "c1", Score: 0.03, Content: "install guide"}}, nil)

		w := httptest.NewRecorder()
		handler.Search(w, pathRequest("POST", "/knowledge-bases/kb-1/search",
			`{"query":"how to install","top_k":5,"rerank":true}`, "kb-1"))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"count":1`)
		assert.Contains(t, w.Body.String(), "install guide")
	})

	t.Run("EmptyQuery", func(t *testing.T) {
		_, _, _, _, _, handler := newHandlerMocks()

		w := httptest.NewRecorder()
		handler.Search(w, pathRequest("POST", "/knowledge-bases/kb-1/search", `{"query":""}`, "kb-1"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("SearchableWhileProcessing", func(t *testing.T) {
		// An active run never blocks reads; callers see the growing,
		// eventually-consistent result set.
		kbRepo, _, _, _, searcher, handler := newHandlerMocks()
		kbRepo.On("Get", mock.Anything, "kb-1").Return(&kb.KnowledgeBase{ID: "kb-1", Status: kb.StatusProcessing}, nil)
		searcher.On("Search", mock.Anything, "kb-1", "q", mock.Anything).
			Return([]retrieval.Result{{ChunkID: "c-1", Content: "partial"}}, nil)

		w := httptest.NewRecorder()
		handler.Search(w, pathRequest("POST", "/knowledge-bases/kb-1/search", `{"query":"q"}`, "kb-1"))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("WarningsStillSearchable", func(t *testing.T) {
		kbRepo, _, _, _, searcher, handler := newHandlerMocks()
		kbRepo.On("Get", mock.Anything, "kb-1").Return(&kb.KnowledgeBase{ID: "kb-1", Status: kb.StatusReadyWithWarnings}, nil)
		searcher.On("Search", mock.Anything, "kb-1", "q", mock.Anything).
			Return([]retrieval.Result{}, nil)

		w := httptest.NewRecorder()
		handler.Search(w, pathRequest("POST", "/knowledge-bases/kb-1/search", `{"query":"q"}`, "kb-1"))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("BackendsDown", func(t *testing.T) {
		kbRepo, _, _, _, searcher, handler := newHandlerMocks()
		kbRepo.On("Get", mock.Anything, "kb-1").Return(&kb.KnowledgeBase{ID: "kb-1", Status: kb.StatusReady}, nil)
		searcher.On("Search", mock.Anything, "kb-1", "q", mock.Anything).
			Return(nil, retrieval.ErrBothSearchesFailed)

		w := httptest.NewRecorder()
		handler.Search(w, pathRequest("POST", "/knowledge-bases/kb-1/search", `{"query":"q"}`, "kb-1"))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Equal(t, "SEARCH_UNAVAILABLE", decodeError(t, w))
	})

	t.Run("UnknownErrorIsInternal", func(t *testing.T) {
		kbRepo, _, _, _, searcher, handler := newHandlerMocks()
		kbRepo.On("Get", mock.Anything, "kb-1").Return(&kb.KnowledgeBase{ID: "kb-1", Status: kb.StatusReady}, nil)
		searcher.On("Search", mock.Anything, "kb-1", "q", mock.Anything).
			Return(nil, errors.New("boom"))

		w := httptest.NewRecorder()
		handler.Search(w, pathRequest("POST", "/knowledge-bases/kb-1/search", `{"query":"q"}`, "kb-1"))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}
