package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantscribe/grantd/internal/model"
	"github.com/grantscribe/grantd/internal/orchestrator"
	"github.com/grantscribe/grantd/internal/section"
	"github.com/grantscribe/grantd/internal/store"
)

type stubExecutor struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (e *stubExecutor) Execute(ctx context.Context, spec section.Spec, ec section.ExecContext) (model.Answers, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	return model.Answers{"content": "text for " + spec.Name}, nil
}

func (e *stubExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newTestServer(t *testing.T) (*Server, store.Store, *stubExecutor) {
	t.Helper()
	st := store.NewMemoryStore()
	t.Cleanup(func() { st.Close() })

	exec := &stubExecutor{}
	srv := NewServer(st, exec, Config{
		ListenAddr: "127.0.0.1:0",
		Runner:     orchestrator.Config{MaxRetries: 1},
		Stream:     model.StreamConfig{IntervalMs: 5, HeartbeatCycles: 2, MaxCycles: 400},
	}, nil, orchestrator.LogLevelError)
	return srv, st, exec
}

func doRequest(srv *Server, method, path, owner string, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, st store.Store, owner string, sections []string) *model.Session {
	t.Helper()
	sess, err := model.NewSession(owner, model.ProjectContext{ProjectName: "Test Project"}, sections)
	require.NoError(t, err)
	require.NoError(t, st.Create(context.Background(), sess))
	return sess
}

func TestStartGenerationRunsToCompletion(t *testing.T) {
	srv, st, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/v1/sessions", "usr_1",
		`{"project_context":{"project_name":"Youth Literacy","organization":"Readers Org"},"sections":["executive_summary","budget_narrative"]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp startGenerationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, 2, resp.TotalSections)

	require.Eventually(t, func() bool {
		got, err := st.Get(context.Background(), resp.ID, "usr_1")
		return err == nil && got.Status == model.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond, "background run did not finish")

	got, err := st.Get(context.Background(), resp.ID, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.ProgressPercentage)
	assert.Equal(t, "text for executive_summary", got.Answers["executive_summary"]["content"])
}

func TestStartGenerationRequiresOwner(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/v1/sessions", "",
		`{"project_context":{"project_name":"X"}}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartGenerationRejectsUnknownSection(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodPost, "/v1/sessions", "usr_1",
		`{"project_context":{"project_name":"X"},"sections":["no_such_section"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "no_such_section")
}

func TestGetStatusScopedToOwner(t *testing.T) {
	srv, st, _ := newTestServer(t)
	sess := createSession(t, st, "usr_1", []string{"executive_summary"})

	rec := doRequest(srv, http.MethodGet, "/v1/sessions/"+sess.ID, "usr_1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var view model.SessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, sess.ID, view.ID)
	assert.Equal(t, model.StatusPending, view.Status)

	rec = doRequest(srv, http.MethodGet, "/v1/sessions/"+sess.ID, "usr_2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "foreign owner must not see the session")
}

func TestGenerateSectionSynchronously(t *testing.T) {
	srv, st, exec := newTestServer(t)
	sess := createSession(t, st, "usr_1", []string{"executive_summary", "budget_narrative"})

	rec := doRequest(srv, http.MethodPost, "/v1/sessions/"+sess.ID+"/sections/executive_summary", "usr_1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp generateSectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Cached)
	assert.Equal(t, "text for executive_summary", resp.Answers["content"])
	assert.Equal(t, 1, exec.callCount())

	got, err := st.Get(context.Background(), sess.ID, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, got.Status)
	assert.Equal(t, []string{"executive_summary"}, got.CompletedSections)
	assert.Greater(t, got.ProgressPercentage, 0.0)
}

func TestGenerateSectionReturnsCachedAnswer(t *testing.T) {
	srv, st, exec := newTestServer(t)
	sess := createSession(t, st, "usr_1", []string{"executive_summary", "budget_narrative"})

	path := "/v1/sessions/" + sess.ID + "/sections/executive_summary"
	rec := doRequest(srv, http.MethodPost, path, "usr_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, exec.callCount())

	rec = doRequest(srv, http.MethodPost, path, "usr_1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp generateSectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Cached)
	assert.Equal(t, 1, exec.callCount(), "cached hit must not call the provider")

	rec = doRequest(srv, http.MethodPost, path+"?retry=true", "usr_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, exec.callCount(), "retry flag forces regeneration")
}

func TestGenerateLastSectionCompletesSession(t *testing.T) {
	srv, st, _ := newTestServer(t)
	sess := createSession(t, st, "usr_1", []string{"executive_summary"})

	rec := doRequest(srv, http.MethodPost, "/v1/sessions/"+sess.ID+"/sections/executive_summary", "usr_1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := st.Get(context.Background(), sess.ID, "usr_1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, 100.0, got.ProgressPercentage)
	assert.NotNil(t, got.CompletedAt)
}

func TestGenerateSectionProviderFailure(t *testing.T) {
	srv, st, exec := newTestServer(t)
	exec.err = errors.New("provider unavailable")
	sess := createSession(t, st, "usr_1", []string{"executive_summary", "budget_narrative"})

	rec := doRequest(srv, http.MethodPost, "/v1/sessions/"+sess.ID+"/sections/executive_summary", "usr_1", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	got, err := st.Get(context.Background(), sess.ID, "usr_1")
	require.NoError(t, err)
	assert.Empty(t, got.FailedSections, "one synchronous attempt is not retry exhaustion")
	assert.Contains(t, got.ErrorMessage, "provider unavailable")
}

func TestGenerateSectionRejectsCancelledSession(t *testing.T) {
	srv, st, exec := newTestServer(t)
	sess := createSession(t, st, "usr_1", []string{"executive_summary"})
	require.NoError(t, st.Update(context.Background(), sess.ID, store.Mutation{
		Status: store.StatusPtr(model.StatusCancelled),
	}))

	rec := doRequest(srv, http.MethodPost, "/v1/sessions/"+sess.ID+"/sections/executive_summary", "usr_1", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 0, exec.callCount())
}

func TestCancelSession(t *testing.T) {
	srv, st, _ := newTestServer(t)
	sess := createSession(t, st, "usr_1", []string{"executive_summary"})

	rec := doRequest(srv, http.MethodPost, "/v1/sessions/"+sess.ID+"/cancel", "usr_1", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	status, err := st.GetStatus(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, status)

	rec = doRequest(srv, http.MethodPost, "/v1/sessions/"+sess.ID+"/cancel", "usr_1", "")
	assert.Equal(t, http.StatusOK, rec.Code, "cancel on a terminal session is a no-op")
	assert.Contains(t, rec.Body.String(), `"status":"cancelled"`)
}

func TestCancelCompletedSessionIsNoOp(t *testing.T) {
	srv, st, _ := newTestServer(t)
	sess := createSession(t, st, "usr_1", []string{"executive_summary"})
	require.NoError(t, st.Update(context.Background(), sess.ID, store.Mutation{
		Status: store.StatusPtr(model.StatusCompleted),
	}))

	rec := doRequest(srv, http.MethodPost, "/v1/sessions/"+sess.ID+"/cancel", "usr_1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"completed"`)

	status, err := st.GetStatus(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, status, "terminal status is left untouched")
}

func TestListSections(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doRequest(srv, http.MethodGet, "/v1/sections", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "executive_summary")
	assert.Contains(t, rec.Body.String(), "sustainability")
}
