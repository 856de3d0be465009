package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantscribe/grantd/internal/model"
)

// fakeQuotaBackend is a minimal PostgREST stand-in for the quota tables.
type fakeQuotaBackend struct {
	mu        sync.Mutex
	remaining int
	debits    map[string]bool
}

func (f *fakeQuotaBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "quota_debits"):
			sessionID := strings.TrimPrefix(r.URL.Query().Get("session_id"), "eq.")
			if f.debits[sessionID] {
				fmt.Fprintf(w, `[{"session_id":%q}]`, sessionID)
				return
			}
			fmt.Fprint(w, "[]")

		case r.Method == http.MethodPost && strings.Contains(r.URL.Path, "quota_debits"):
			var row struct {
				SessionID string `json:"session_id"`
			}
			_ = json.NewDecoder(r.Body).Decode(&row)
			f.debits[row.SessionID] = true
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, "[]")

		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "owner_quotas"):
			owner := strings.TrimPrefix(r.URL.Query().Get("owner_id"), "eq.")
			fmt.Fprintf(w, `[{"owner_id":%q,"remaining":%d}]`, owner, f.remaining)

		case r.Method == http.MethodPatch && strings.Contains(r.URL.Path, "owner_quotas"):
			expected, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Query().Get("remaining"), "eq."))
			if expected != f.remaining {
				// Compare-and-set miss: no rows matched.
				fmt.Fprint(w, "[]")
				return
			}
			var patch struct {
				Remaining int `json:"remaining"`
			}
			_ = json.NewDecoder(r.Body).Decode(&patch)
			f.remaining = patch.Remaining
			fmt.Fprintf(w, `[{"remaining":%d}]`, f.remaining)

		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, "[]")
		}
	})
}

func newTestDebitor(t *testing.T, remaining int) (*SupabaseDebitor, *fakeQuotaBackend) {
	t.Helper()
	backend := &fakeQuotaBackend{remaining: remaining, debits: make(map[string]bool)}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	d, err := NewSupabaseDebitor(model.QuotaConfig{
		Enabled:     true,
		SupabaseURL: srv.URL,
		SupabaseKey: "test-key",
	})
	require.NoError(t, err)
	return d, backend
}

func TestDebitDecrementsRemaining(t *testing.T) {
	d, backend := newTestDebitor(t, 5)

	require.NoError(t, d.Debit(context.Background(), "usr_1", "ses_1"))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 4, backend.remaining)
	assert.True(t, backend.debits["ses_1"], "debit recorded in the ledger")
}

func TestDebitIsIdempotentPerSession(t *testing.T) {
	d, backend := newTestDebitor(t, 5)

	require.NoError(t, d.Debit(context.Background(), "usr_1", "ses_1"))
	require.NoError(t, d.Debit(context.Background(), "usr_1", "ses_1"))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 4, backend.remaining, "same session debits one unit total")
}

func TestDebitDistinctSessionsConsumeDistinctUnits(t *testing.T) {
	d, backend := newTestDebitor(t, 5)

	require.NoError(t, d.Debit(context.Background(), "usr_1", "ses_1"))
	require.NoError(t, d.Debit(context.Background(), "usr_1", "ses_2"))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 3, backend.remaining)
}

func TestDebitExhaustedQuota(t *testing.T) {
	d, _ := newTestDebitor(t, 0)

	err := d.Debit(context.Background(), "usr_1", "ses_1")
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestFromConfigDisabledReturnsNoop(t *testing.T) {
	d, err := FromConfig(model.QuotaConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, d.Debit(context.Background(), "usr_1", "ses_1"))
}
