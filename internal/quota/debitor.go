// Package quota debits owner usage units when a generation completes.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/grantscribe/grantd/internal/model"
)

const (
	quotasTable = "owner_quotas"
	debitsTable = "quota_debits"

	// casAttempts bounds the decrement retry loop under concurrent debits.
	casAttempts = 3
)

// ErrExhausted is returned when the owner has no remaining units. The caller
// logs it; a completed generation is never rolled back over quota.
var ErrExhausted = errors.New("quota exhausted")

// Debitor consumes one generation unit for an owner.
type Debitor interface {
	Debit(ctx context.Context, ownerID, sessionID string) error
}

// NoopDebitor is used when quota tracking is disabled.
type NoopDebitor struct{}

func (NoopDebitor) Debit(ctx context.Context, ownerID, sessionID string) error {
	return nil
}

// SupabaseDebitor debits one unit per completed session against the shared
// owner_quotas table. The session ID is the idempotency key: a debit ledger
// row is written per session and a repeated Debit for the same session is a
// no-op.
type SupabaseDebitor struct {
	client *supabase.Client
}

type quotaRow struct {
	OwnerID   string `json:"owner_id"`
	Remaining int    `json:"remaining"`
}

type debitRow struct {
	SessionID string    `json:"session_id"`
	OwnerID   string    `json:"owner_id"`
	DebitedAt time.Time `json:"debited_at"`
}

// NewSupabaseDebitor creates a debitor from the quota configuration.
func NewSupabaseDebitor(cfg model.QuotaConfig) (*SupabaseDebitor, error) {
	if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
		return nil, fmt.Errorf("quota supabase URL and key are required")
	}
	client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseKey, nil)
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseDebitor{client: client}, nil
}

// Debit consumes one unit for the owner. The decrement is a compare-and-set
// on the previous remaining value, retried a few times under contention.
func (d *SupabaseDebitor) Debit(ctx context.Context, ownerID, sessionID string) error {
	debited, err := d.alreadyDebited(sessionID)
	if err != nil {
		return err
	}
	if debited {
		return nil
	}

	for attempt := 1; attempt <= casAttempts; attempt++ {
		remaining, err := d.remaining(ownerID)
		if err != nil {
			return err
		}
		if remaining <= 0 {
			return fmt.Errorf("%w: owner %s has %d units", ErrExhausted, ownerID, remaining)
		}

		patch := map[string]any{"remaining": remaining - 1}
		data, _, err := d.client.From(quotasTable).
			Update(patch, "representation", "").
			Eq("owner_id", ownerID).
			Eq("remaining", strconv.Itoa(remaining)).
			Execute()
		if err != nil {
			return fmt.Errorf("decrement quota: %w", err)
		}
		// Empty representation: another writer moved the counter first.
		if len(data) <= 2 {
			continue
		}

		return d.recordDebit(ownerID, sessionID)
	}
	return fmt.Errorf("decrement quota for owner %s: contention after %d attempts", ownerID, casAttempts)
}

func (d *SupabaseDebitor) alreadyDebited(sessionID string) (bool, error) {
	var rows []debitRow
	_, err := d.client.From(debitsTable).
		Select("session_id", "", false).
		Eq("session_id", sessionID).
		ExecuteTo(&rows)
	if err != nil {
		return false, fmt.Errorf("check debit ledger: %w", err)
	}
	return len(rows) > 0, nil
}

func (d *SupabaseDebitor) remaining(ownerID string) (int, error) {
	var rows []quotaRow
	_, err := d.client.From(quotasTable).
		Select("owner_id,remaining", "", false).
		Eq("owner_id", ownerID).
		ExecuteTo(&rows)
	if err != nil {
		return 0, fmt.Errorf("read quota: %w", err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("no quota record for owner %s", ownerID)
	}
	return rows[0].Remaining, nil
}

func (d *SupabaseDebitor) recordDebit(ownerID, sessionID string) error {
	row := debitRow{SessionID: sessionID, OwnerID: ownerID, DebitedAt: time.Now().UTC()}
	_, _, err := d.client.From(debitsTable).
		Insert(row, false, "", "", "").
		Execute()
	if err != nil {
		return fmt.Errorf("record debit: %w", err)
	}
	return nil
}

// FromConfig returns the configured debitor, or a noop when disabled.
func FromConfig(cfg model.QuotaConfig) (Debitor, error) {
	if !cfg.Enabled {
		return NoopDebitor{}, nil
	}
	return NewSupabaseDebitor(cfg)
}
