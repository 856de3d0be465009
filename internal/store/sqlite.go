package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/grantscribe/grantd/internal/model"
)

// sqliteStore implements Store using SQLite. This is the default driver for
// single-node deployments; collection fields are stored as JSON columns.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *sqliteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS grant_sessions (
		id                 TEXT PRIMARY KEY,
		owner_id           TEXT NOT NULL,
		status             TEXT NOT NULL,
		sections_order     TEXT NOT NULL,
		current_section    TEXT NOT NULL DEFAULT '',
		completed_sections TEXT NOT NULL DEFAULT '[]',
		failed_sections    TEXT NOT NULL DEFAULT '[]',
		answers            TEXT NOT NULL DEFAULT '{}',
		project_context    TEXT NOT NULL,
		total_sections     INTEGER NOT NULL,
		completed_count    INTEGER NOT NULL DEFAULT 0,
		progress           REAL NOT NULL DEFAULT 0,
		error_message      TEXT NOT NULL DEFAULT '',
		retry_count        INTEGER NOT NULL DEFAULT 0,
		max_retries        INTEGER NOT NULL DEFAULT 3,
		created_at         TEXT NOT NULL,
		updated_at         TEXT NOT NULL,
		completed_at       TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_grant_sessions_owner ON grant_sessions(owner_id);
	CREATE INDEX IF NOT EXISTS idx_grant_sessions_status ON grant_sessions(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *sqliteStore) Create(ctx context.Context, sess *model.Session) error {
	order, err := json.Marshal(sess.SectionsOrder)
	if err != nil {
		return fmt.Errorf("marshal sections order: %w", err)
	}
	completed, _ := json.Marshal(sess.CompletedSections)
	failed, _ := json.Marshal(sess.FailedSections)
	answers, err := json.Marshal(sess.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	pc, err := json.Marshal(sess.ProjectContext)
	if err != nil {
		return fmt.Errorf("marshal project context: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO grant_sessions (
			id, owner_id, status, sections_order, current_section,
			completed_sections, failed_sections, answers, project_context,
			total_sections, completed_count, progress, error_message,
			retry_count, max_retries, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, string(sess.Status), string(order), sess.CurrentSection,
		string(completed), string(failed), string(answers), string(pc),
		sess.TotalSections, sess.CompletedCount, sess.ProgressPercentage, sess.ErrorMessage,
		sess.RetryCount, sess.MaxRetries,
		sess.CreatedAt.UTC().Format(time.RFC3339Nano),
		sess.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (s *sqliteStore) Get(ctx context.Context, id, ownerID string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, status, sections_order, current_section,
		       completed_sections, failed_sections, answers, project_context,
		       total_sections, completed_count, progress, error_message,
		       retry_count, max_retries, created_at, updated_at, completed_at
		FROM grant_sessions WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanSession(row)
}

// Update builds a SET clause from exactly the fields the mutation carries,
// so an untouched column is never rewritten from a possibly stale value.
func (s *sqliteStore) Update(ctx context.Context, id string, mut Mutation) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if mut.Status != nil {
		add("status", string(*mut.Status))
	}
	if mut.CurrentSection != nil {
		add("current_section", *mut.CurrentSection)
	}
	if mut.CompletedSections != nil {
		b, err := json.Marshal(*mut.CompletedSections)
		if err != nil {
			return fmt.Errorf("marshal completed sections: %w", err)
		}
		add("completed_sections", string(b))
	}
	if mut.FailedSections != nil {
		b, err := json.Marshal(*mut.FailedSections)
		if err != nil {
			return fmt.Errorf("marshal failed sections: %w", err)
		}
		add("failed_sections", string(b))
	}
	if mut.Answers != nil {
		b, err := json.Marshal(*mut.Answers)
		if err != nil {
			return fmt.Errorf("marshal answers: %w", err)
		}
		add("answers", string(b))
	}
	if mut.CompletedCount != nil {
		add("completed_count", *mut.CompletedCount)
	}
	if mut.Progress != nil {
		add("progress", *mut.Progress)
	}
	if mut.ErrorMessage != nil {
		add("error_message", *mut.ErrorMessage)
	}
	if mut.RetryCount != nil {
		add("retry_count", *mut.RetryCount)
	}
	if mut.CompletedAt != nil {
		add("completed_at", mut.CompletedAt.UTC().Format(time.RFC3339Nano))
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", time.Now().UTC().Format(time.RFC3339Nano))

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE grant_sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) GetStatus(ctx context.Context, id string) (model.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		"SELECT status FROM grant_sessions WHERE id = ?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return model.Status(status), nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func scanSession(row *sql.Row) (*model.Session, error) {
	var (
		sess                     model.Session
		status                   string
		order, completed, failed string
		answers, pc              string
		createdAt, updatedAt     string
		completedAt              sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.OwnerID, &status, &order, &sess.CurrentSection,
		&completed, &failed, &answers, &pc,
		&sess.TotalSections, &sess.CompletedCount, &sess.ProgressPercentage, &sess.ErrorMessage,
		&sess.RetryCount, &sess.MaxRetries, &createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	sess.Status = model.Status(status)
	if err := json.Unmarshal([]byte(order), &sess.SectionsOrder); err != nil {
		return nil, fmt.Errorf("unmarshal sections order: %w", err)
	}
	if err := json.Unmarshal([]byte(completed), &sess.CompletedSections); err != nil {
		return nil, fmt.Errorf("unmarshal completed sections: %w", err)
	}
	if err := json.Unmarshal([]byte(failed), &sess.FailedSections); err != nil {
		return nil, fmt.Errorf("unmarshal failed sections: %w", err)
	}
	if err := json.Unmarshal([]byte(answers), &sess.Answers); err != nil {
		return nil, fmt.Errorf("unmarshal answers: %w", err)
	}
	if err := json.Unmarshal([]byte(pc), &sess.ProjectContext); err != nil {
		return nil, fmt.Errorf("unmarshal project context: %w", err)
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		sess.CompletedAt = &t
	}
	return &sess, nil
}
