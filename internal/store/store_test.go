package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grantscribe/grantd/internal/model"
)

func newTestSession(t *testing.T) *model.Session {
	t.Helper()
	s, err := model.NewSession("usr_42", model.ProjectContext{
		ProjectName:  "Mobile Health Clinic",
		Organization: "Riverside Community Trust",
		Description:  "Bring preventive care to rural communities.",
	}, []string{"executive_summary", "statement_of_need", "budget_narrative"})
	require.NoError(t, err)
	return s
}

// testDrivers returns the store implementations exercised by the shared
// contract tests. Redis and PostgREST need live backends and are covered by
// the mutationPatch/Apply unit tests instead.
func testDrivers(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := New(DriverSQLite, WithSQLitePath(filepath.Join(t.TempDir(), "sessions.db")))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	mem := NewMemoryStore()
	t.Cleanup(func() { mem.Close() })

	return map[string]Store{"memory": mem, "sqlite": sqlite}
}

func TestStoreCreateAndGet(t *testing.T) {
	for name, st := range testDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := newTestSession(t)
			require.NoError(t, st.Create(ctx, sess))

			got, err := st.Get(ctx, sess.ID, sess.OwnerID)
			require.NoError(t, err)
			assert.Equal(t, sess.ID, got.ID)
			assert.Equal(t, model.StatusPending, got.Status)
			assert.Equal(t, sess.SectionsOrder, got.SectionsOrder)
			assert.Equal(t, "Mobile Health Clinic", got.ProjectContext.ProjectName)
			assert.Empty(t, got.CompletedSections)
			assert.Equal(t, model.DefaultMaxRetries, got.MaxRetries)
		})
	}
}

func TestStoreGetIsOwnerScoped(t *testing.T) {
	for name, st := range testDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := newTestSession(t)
			require.NoError(t, st.Create(ctx, sess))

			_, err := st.Get(ctx, sess.ID, "usr_other")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = st.Get(ctx, "ses_0000000000_deadbeef", sess.OwnerID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreUpdatePartialFields(t *testing.T) {
	for name, st := range testDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := newTestSession(t)
			require.NoError(t, st.Create(ctx, sess))

			completed := []string{"executive_summary"}
			answers := map[string]model.Answers{
				"executive_summary": {"q_summary": "A concise summary."},
			}
			mut := Mutation{
				Status:            StatusPtr(model.StatusInProgress),
				CurrentSection:    StringPtr("statement_of_need"),
				CompletedSections: &completed,
				Answers:           &answers,
				CompletedCount:    IntPtr(1),
				Progress:          FloatPtr(33.3),
			}
			require.NoError(t, st.Update(ctx, sess.ID, mut))

			got, err := st.Get(ctx, sess.ID, sess.OwnerID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusInProgress, got.Status)
			assert.Equal(t, "statement_of_need", got.CurrentSection)
			assert.Equal(t, completed, got.CompletedSections)
			assert.Equal(t, "A concise summary.", got.Answers["executive_summary"]["q_summary"])
			assert.Equal(t, 1, got.CompletedCount)
			assert.InDelta(t, 33.3, got.ProgressPercentage, 0.001)
			// Untouched fields survive the partial update.
			assert.Empty(t, got.FailedSections)
			assert.Equal(t, 0, got.RetryCount)
			assert.Equal(t, sess.OwnerID, got.OwnerID)
		})
	}
}

func TestStoreUpdateAdvancesUpdatedAt(t *testing.T) {
	for name, st := range testDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := newTestSession(t)
			require.NoError(t, st.Create(ctx, sess))

			before, err := st.Get(ctx, sess.ID, sess.OwnerID)
			require.NoError(t, err)

			time.Sleep(5 * time.Millisecond)
			require.NoError(t, st.Update(ctx, sess.ID, Mutation{Progress: FloatPtr(10)}))

			after, err := st.Get(ctx, sess.ID, sess.OwnerID)
			require.NoError(t, err)
			assert.True(t, after.UpdatedAt.After(before.UpdatedAt),
				"updated_at %v should advance past %v", after.UpdatedAt, before.UpdatedAt)
		})
	}
}

func TestStoreUpdateMissingSession(t *testing.T) {
	for name, st := range testDrivers(t) {
		t.Run(name, func(t *testing.T) {
			err := st.Update(context.Background(), "ses_0000000000_deadbeef",
				Mutation{Progress: FloatPtr(10)})
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStoreGetStatus(t *testing.T) {
	for name, st := range testDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			sess := newTestSession(t)
			require.NoError(t, st.Create(ctx, sess))

			status, err := st.GetStatus(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusPending, status)

			require.NoError(t, st.Update(ctx, sess.ID,
				Mutation{Status: StatusPtr(model.StatusCancelled)}))

			status, err = st.GetStatus(ctx, sess.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusCancelled, status)

			_, err = st.GetStatus(ctx, "ses_0000000000_deadbeef")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestMutationApplySetsEmptyCollections(t *testing.T) {
	sess := newTestSession(t)
	sess.FailedSections = []string{"budget_narrative"}

	empty := []string{}
	Mutation{FailedSections: &empty}.Apply(sess)

	assert.NotNil(t, sess.FailedSections)
	assert.Empty(t, sess.FailedSections, "set-to-empty must not be dropped")
}

func TestMutationPatchCarriesCollections(t *testing.T) {
	completed := []string{"executive_summary"}
	empty := []string{}
	patch := mutationPatch(Mutation{
		CompletedSections: &completed,
		FailedSections:    &empty,
	})

	assert.Equal(t, completed, patch["completed_sections"])
	failed, ok := patch["failed_sections"].([]string)
	require.True(t, ok, "empty collection must still appear in the patch")
	assert.Empty(t, failed)
	assert.NotContains(t, patch, "status")
}

func TestSnapshotRoundTrip(t *testing.T) {
	sess := newTestSession(t)
	sess.Status = model.StatusInProgress
	sess.MarkSectionCompleted("executive_summary", model.Answers{"q": "a"})
	sess.RetryCount = 2
	sess.ErrorMessage = "transient provider error"

	var restored model.Session
	restored.ID = sess.ID
	Snapshot(sess).Apply(&restored)

	assert.Equal(t, sess.Status, restored.Status)
	assert.Equal(t, sess.CompletedSections, restored.CompletedSections)
	assert.Equal(t, sess.CompletedCount, restored.CompletedCount)
	assert.Equal(t, sess.RetryCount, restored.RetryCount)
	assert.Equal(t, sess.ErrorMessage, restored.ErrorMessage)
	assert.InDelta(t, sess.ProgressPercentage, restored.ProgressPercentage, 0.001)
}

func TestFactoryRejectsBadConfig(t *testing.T) {
	_, err := New(DriverSQLite)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(DriverRedis)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Driver("mongodb"))
	assert.ErrorIs(t, err, ErrInvalidDriver)

	_, err = New(DriverPostgrest, WithPostgrest(PostgrestConfig{}))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
