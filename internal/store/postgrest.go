package store

import (
	"context"
	"fmt"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/grantscribe/grantd/internal/model"
)

const sessionsTable = "grant_sessions"

// PostgrestConfig holds Supabase connection configuration.
type PostgrestConfig struct {
	URL    string
	APIKey string
}

// postgrestStore implements Store against a Supabase/PostgREST table. This is
// the shared relational backend for multi-node deployments; mutations are
// translated to partial row updates so only touched columns are written.
type postgrestStore struct {
	client *supabase.Client
}

// sessionRow mirrors the grant_sessions table. Collection columns are jsonb.
type sessionRow struct {
	ID                string                   `json:"id"`
	OwnerID           string                   `json:"owner_id"`
	Status            string                   `json:"status"`
	SectionsOrder     []string                 `json:"sections_order"`
	CurrentSection    string                   `json:"current_section"`
	CompletedSections []string                 `json:"completed_sections"`
	FailedSections    []string                 `json:"failed_sections"`
	Answers           map[string]model.Answers `json:"answers"`
	ProjectContext    model.ProjectContext     `json:"project_context"`
	TotalSections     int                      `json:"total_sections"`
	CompletedCount    int                      `json:"completed_count"`
	Progress          float64                  `json:"progress"`
	ErrorMessage      string                   `json:"error_message"`
	RetryCount        int                      `json:"retry_count"`
	MaxRetries        int                      `json:"max_retries"`
	CreatedAt         time.Time                `json:"created_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
	CompletedAt       *time.Time               `json:"completed_at"`
}

// NewPostgrestStore creates a Supabase-backed session store.
func NewPostgrestStore(cfg PostgrestConfig) (Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: supabase URL is required", ErrInvalidConfig)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: supabase API key is required", ErrInvalidConfig)
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &postgrestStore{client: client}, nil
}

func (s *postgrestStore) Create(ctx context.Context, sess *model.Session) error {
	row := toRow(sess)
	_, _, err := s.client.From(sessionsTable).
		Insert(row, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("%w: insert session: %v", ErrStorage, err)
	}
	return nil
}

func (s *postgrestStore) Get(ctx context.Context, id, ownerID string) (*model.Session, error) {
	var rows []sessionRow
	_, err := s.client.From(sessionsTable).
		Select("*", "", false).
		Eq("id", id).
		Eq("owner_id", ownerID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", ErrStorage, err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return fromRow(&rows[0]), nil
}

func (s *postgrestStore) Update(ctx context.Context, id string, mut Mutation) error {
	patch := mutationPatch(mut)
	if len(patch) == 0 {
		return nil
	}
	patch["updated_at"] = time.Now().UTC()

	data, _, err := s.client.From(sessionsTable).
		Update(patch, "representation", "").
		Eq("id", id).
		Execute()
	if err != nil {
		return fmt.Errorf("%w: update session: %v", ErrStorage, err)
	}
	// PostgREST reports zero matched rows as an empty representation.
	if len(data) <= 2 {
		return ErrNotFound
	}
	return nil
}

func (s *postgrestStore) GetStatus(ctx context.Context, id string) (model.Status, error) {
	var rows []struct {
		Status string `json:"status"`
	}
	_, err := s.client.From(sessionsTable).
		Select("status", "", false).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return "", fmt.Errorf("%w: get status: %v", ErrStorage, err)
	}
	if len(rows) == 0 {
		return "", ErrNotFound
	}
	return model.Status(rows[0].Status), nil
}

func (s *postgrestStore) Close() error {
	// The underlying HTTP client needs no explicit close.
	return nil
}

// mutationPatch translates a Mutation into a partial row update. Collection
// fields the mutation carries are always present in the patch, so nested
// changes are never dropped by the partial-update path.
func mutationPatch(mut Mutation) map[string]any {
	patch := make(map[string]any)
	if mut.Status != nil {
		patch["status"] = string(*mut.Status)
	}
	if mut.CurrentSection != nil {
		patch["current_section"] = *mut.CurrentSection
	}
	if mut.CompletedSections != nil {
		patch["completed_sections"] = *mut.CompletedSections
	}
	if mut.FailedSections != nil {
		patch["failed_sections"] = *mut.FailedSections
	}
	if mut.Answers != nil {
		patch["answers"] = *mut.Answers
	}
	if mut.CompletedCount != nil {
		patch["completed_count"] = *mut.CompletedCount
	}
	if mut.Progress != nil {
		patch["progress"] = *mut.Progress
	}
	if mut.ErrorMessage != nil {
		patch["error_message"] = *mut.ErrorMessage
	}
	if mut.RetryCount != nil {
		patch["retry_count"] = *mut.RetryCount
	}
	if mut.CompletedAt != nil {
		patch["completed_at"] = mut.CompletedAt.UTC()
	}
	return patch
}

func toRow(s *model.Session) sessionRow {
	return sessionRow{
		ID:                s.ID,
		OwnerID:           s.OwnerID,
		Status:            string(s.Status),
		SectionsOrder:     s.SectionsOrder,
		CurrentSection:    s.CurrentSection,
		CompletedSections: s.CompletedSections,
		FailedSections:    s.FailedSections,
		Answers:           s.Answers,
		ProjectContext:    s.ProjectContext,
		TotalSections:     s.TotalSections,
		CompletedCount:    s.CompletedCount,
		Progress:          s.ProgressPercentage,
		ErrorMessage:      s.ErrorMessage,
		RetryCount:        s.RetryCount,
		MaxRetries:        s.MaxRetries,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
		CompletedAt:       s.CompletedAt,
	}
}

func fromRow(r *sessionRow) *model.Session {
	sess := &model.Session{
		ID:                 r.ID,
		OwnerID:            r.OwnerID,
		Status:             model.Status(r.Status),
		SectionsOrder:      r.SectionsOrder,
		CurrentSection:     r.CurrentSection,
		CompletedSections:  r.CompletedSections,
		FailedSections:     r.FailedSections,
		Answers:            r.Answers,
		ProjectContext:     r.ProjectContext,
		TotalSections:      r.TotalSections,
		CompletedCount:     r.CompletedCount,
		ProgressPercentage: r.Progress,
		ErrorMessage:       r.ErrorMessage,
		RetryCount:         r.RetryCount,
		MaxRetries:         r.MaxRetries,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		CompletedAt:        r.CompletedAt,
	}
	if sess.CompletedSections == nil {
		sess.CompletedSections = []string{}
	}
	if sess.FailedSections == nil {
		sess.FailedSections = []string{}
	}
	if sess.Answers == nil {
		sess.Answers = make(map[string]model.Answers)
	}
	return sess
}
