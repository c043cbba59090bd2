// Package ledger enforces the per-account token budget. All arithmetic runs
// inside the caller's write transaction: the reserved total is derived from
// the in-flight reports themselves, so finishing a report releases its
// reservation with no bookkeeping to forget.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"sparlo/internal/domain"
	"sparlo/internal/repo"
)

// ErrBudgetExhausted means the estimate does not fit in what remains of the
// account's current usage period.
var ErrBudgetExhausted = errors.New("token budget exhausted")

type Manager struct {
	Repo       repo.Repo
	Limit      int64
	PeriodDays int
	Now        func() time.Time
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// ActivePeriodTx returns the account's active period, opening the first one
// or rolling an expired one over as needed. Runs in the caller's write tx.
func (m Manager) ActivePeriodTx(ctx context.Context, tx *sql.Tx, accountID string) (domain.UsagePeriod, error) {
	now := m.now().UTC()
	p, err := m.Repo.ActivePeriodTx(ctx, tx, accountID)
	if err == nil {
		end, perr := time.Parse(time.RFC3339, p.PeriodEnd)
		if perr == nil && !now.After(end) {
			return p, nil
		}
		if err := m.Repo.ClosePeriodTx(ctx, tx, p.ID); err != nil {
			return domain.UsagePeriod{}, err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.UsagePeriod{}, err
	}

	fresh := domain.UsagePeriod{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		TokensLimit: m.Limit,
		PeriodStart: now.Format(time.RFC3339),
		PeriodEnd:   now.AddDate(0, 0, m.PeriodDays).Format(time.RFC3339),
		Status:      "active",
	}
	if err := m.Repo.InsertUsagePeriodTx(ctx, tx, fresh); err != nil {
		return domain.UsagePeriod{}, err
	}
	return fresh, nil
}

// TryReserve admits a new report worth estimate tokens, or fails with
// ErrBudgetExhausted. The check and the insert that consumes the reservation
// must share the transaction; that is what closes the window where two
// concurrent starts both see room.
func (m Manager) TryReserve(ctx context.Context, tx *sql.Tx, accountID string, estimate int64) (domain.UsagePeriod, error) {
	period, err := m.ActivePeriodTx(ctx, tx, accountID)
	if err != nil {
		return domain.UsagePeriod{}, err
	}
	reserved, err := m.Repo.SumReservedTx(ctx, tx, accountID)
	if err != nil {
		return domain.UsagePeriod{}, err
	}
	available := period.TokensLimit - period.TokensUsed - reserved
	if estimate > available {
		return domain.UsagePeriod{}, fmt.Errorf("%w: requested %d, available %d", ErrBudgetExhausted, estimate, available)
	}
	return period, nil
}

// DebitTx charges actual consumption against the active period. Consumption
// is charged as it happens, not when the reservation is released, so a failed
// report still pays for the stages it ran.
func (m Manager) DebitTx(ctx context.Context, tx *sql.Tx, accountID string, n int64) error {
	if n <= 0 {
		return nil
	}
	period, err := m.ActivePeriodTx(ctx, tx, accountID)
	if err != nil {
		return err
	}
	return m.Repo.AddTokensUsedTx(ctx, tx, period.ID, n)
}

// Usage is a point-in-time snapshot of an account's budget.
type Usage struct {
	Period         domain.UsagePeriod `json:"period"`
	TokensReserved int64              `json:"tokens_reserved"`
	TokensFree     int64              `json:"tokens_free"`
}

// Snapshot reads the active period and the in-flight reservation total in one
// transaction.
func (m Manager) Snapshot(ctx context.Context, db *sql.DB, accountID string) (Usage, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Usage{}, err
	}
	defer tx.Rollback()

	period, err := m.ActivePeriodTx(ctx, tx, accountID)
	if err != nil {
		return Usage{}, err
	}
	reserved, err := m.Repo.SumReservedTx(ctx, tx, accountID)
	if err != nil {
		return Usage{}, err
	}
	if err := tx.Commit(); err != nil {
		return Usage{}, err
	}
	free := period.TokensLimit - period.TokensUsed - reserved
	if free < 0 {
		free = 0
	}
	return Usage{Period: period, TokensReserved: reserved, TokensFree: free}, nil
}
