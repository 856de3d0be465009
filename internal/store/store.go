// Package store provides durable storage of generation sessions with
// partial-field updates behind a driver-selectable interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/grantscribe/grantd/internal/model"
)

// Common errors for session store operations.
var (
	ErrNotFound      = errors.New("session not found")
	ErrStorage       = errors.New("storage unavailable")
	ErrInvalidConfig = errors.New("invalid store configuration")
	ErrInvalidDriver = errors.New("invalid store driver")
)

// Store defines the interface for session storage operations.
type Store interface {
	// Create inserts a new session record. The session keeps the timestamps
	// set at construction.
	Create(ctx context.Context, s *model.Session) error

	// Get retrieves a session by ID, scoped to the owning principal.
	// Returns ErrNotFound for missing sessions and for sessions owned by
	// someone else; callers cannot distinguish the two.
	Get(ctx context.Context, id, ownerID string) (*model.Session, error)

	// Update applies the mutation's set fields to the stored record and
	// advances UpdatedAt. Fields the mutation does not set are untouched.
	Update(ctx context.Context, id string, mut Mutation) error

	// GetStatus is a narrow single-field lookup used for cancellation polls.
	// It deliberately avoids loading the full record so a fresh read can
	// never be confused with the orchestrator's working copy.
	GetStatus(ctx context.Context, id string) (model.Status, error)

	// Close releases any resources held by the store.
	Close() error
}

// Mutation is an explicit set of field changes. A nil field is untouched; a
// set pointer is written even when it points at an empty collection, so
// collection mutations are never silently dropped by a partial-update path.
type Mutation struct {
	Status            *model.Status
	CurrentSection    *string
	CompletedSections *[]string
	FailedSections    *[]string
	Answers           *map[string]model.Answers
	CompletedCount    *int
	Progress          *float64
	ErrorMessage      *string
	RetryCount        *int
	CompletedAt       *time.Time
}

// IsZero reports whether the mutation sets no fields.
func (m Mutation) IsZero() bool {
	return m.Status == nil && m.CurrentSection == nil && m.CompletedSections == nil &&
		m.FailedSections == nil && m.Answers == nil && m.CompletedCount == nil &&
		m.Progress == nil && m.ErrorMessage == nil && m.RetryCount == nil &&
		m.CompletedAt == nil
}

// Apply writes the mutation's set fields onto s and advances UpdatedAt.
// Read-modify-write drivers use this after loading the stored record.
func (m Mutation) Apply(s *model.Session) {
	if m.Status != nil {
		s.Status = *m.Status
	}
	if m.CurrentSection != nil {
		s.CurrentSection = *m.CurrentSection
	}
	if m.CompletedSections != nil {
		s.CompletedSections = append([]string{}, (*m.CompletedSections)...)
	}
	if m.FailedSections != nil {
		s.FailedSections = append([]string{}, (*m.FailedSections)...)
	}
	if m.Answers != nil {
		answers := make(map[string]model.Answers, len(*m.Answers))
		for k, v := range *m.Answers {
			answers[k] = v
		}
		s.Answers = answers
	}
	if m.CompletedCount != nil {
		s.CompletedCount = *m.CompletedCount
	}
	if m.Progress != nil {
		s.ProgressPercentage = *m.Progress
	}
	if m.ErrorMessage != nil {
		s.ErrorMessage = *m.ErrorMessage
	}
	if m.RetryCount != nil {
		s.RetryCount = *m.RetryCount
	}
	if m.CompletedAt != nil {
		t := *m.CompletedAt
		s.CompletedAt = &t
	}
	s.UpdatedAt = time.Now().UTC()
}

// Snapshot builds the mutation that flushes a session's mutable fields,
// collections included. The orchestrator uses it to persist its in-memory
// working copy after each field change.
func Snapshot(s *model.Session) Mutation {
	status := s.Status
	current := s.CurrentSection
	completed := append([]string{}, s.CompletedSections...)
	failed := append([]string{}, s.FailedSections...)
	answers := make(map[string]model.Answers, len(s.Answers))
	for k, v := range s.Answers {
		answers[k] = v
	}
	count := s.CompletedCount
	progress := s.ProgressPercentage
	errMsg := s.ErrorMessage
	retries := s.RetryCount

	mut := Mutation{
		Status:            &status,
		CurrentSection:    &current,
		CompletedSections: &completed,
		FailedSections:    &failed,
		Answers:           &answers,
		CompletedCount:    &count,
		Progress:          &progress,
		ErrorMessage:      &errMsg,
		RetryCount:        &retries,
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		mut.CompletedAt = &t
	}
	return mut
}

// Helper constructors for single-field pointers.

func StatusPtr(s model.Status) *model.Status { return &s }
func StringPtr(s string) *string             { return &s }
func IntPtr(i int) *int                      { return &i }
func FloatPtr(f float64) *float64            { return &f }
func TimePtr(t time.Time) *time.Time         { return &t }
