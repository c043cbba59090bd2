package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sparlo/internal/config"
	"sparlo/internal/domain"
	"sparlo/internal/events"
	"sparlo/internal/ledger"
	"sparlo/internal/llm"
	"sparlo/internal/repo"
)

var (
	ErrNoPendingClarification = errors.New("no pending clarification")
	ErrAlreadyAnswered        = errors.New("clarification already answered")
)

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Ledger    ledger.Manager
	Generator llm.Generator
	Config    *config.Config
	Log       *zap.Logger
	Now       func() time.Time
}

func New(db *sql.DB, cfg *config.Config, gen llm.Generator, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{DB: db},
		Ledger: ledger.Manager{
			Repo:       r,
			Limit:      cfg.Budget.TokensLimit,
			PeriodDays: cfg.Budget.PeriodDays,
		},
		Generator: gen,
		Config:    cfg,
		Log:       log,
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC3339() string {
	return e.now().UTC().Format(time.RFC3339)
}

// ensureReportTransition guards the report status machine. Everything the
// engine does to a report's status funnels through here.
func ensureReportTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusPending:
		if newStatus == domain.StatusProcessing || newStatus == domain.StatusCancelled || newStatus == domain.StatusError {
			return nil
		}
	case domain.StatusProcessing:
		switch newStatus {
		case domain.StatusClarifying, domain.StatusComplete, domain.StatusError, domain.StatusCancelled:
			return nil
		}
	case domain.StatusClarifying:
		if newStatus == domain.StatusProcessing || newStatus == domain.StatusCancelled || newStatus == domain.StatusError {
			return nil
		}
	case domain.StatusComplete:
		if newStatus == domain.StatusConfirmRerun {
			return nil
		}
	case domain.StatusConfirmRerun:
		if newStatus == domain.StatusPending || newStatus == domain.StatusComplete {
			return nil
		}
	}
	return fmt.Errorf("invalid report status transition %s -> %s", oldStatus, newStatus)
}

// StartReport reserves budget and creates the report in one write
// transaction. A denied reservation surfaces synchronously and leaves no row
// behind.
func (e Engine) StartReport(ctx context.Context, accountID, designChallenge, actorID string) (domain.Report, error) {
	if designChallenge == "" {
		return domain.Report{}, errors.New("design challenge is required")
	}
	estimate := e.Config.Budget.EstimatePerReport

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()

	if _, err := e.Ledger.TryReserve(ctx, tx, accountID, estimate); err != nil {
		return domain.Report{}, err
	}

	now := e.nowRFC3339()
	rep := domain.Report{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		DesignChallenge: designChallenge,
		Status:          domain.StatusPending,
		CurrentStep:     "Queued",
		Chain:           domain.NewChainState(),
		TokensReserved:  estimate,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.Repo.InsertReportTx(ctx, tx, rep); err != nil {
		return domain.Report{}, fmt.Errorf("insert report: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.ReportCreated, accountID, "report", rep.ID, actorID, events.EventPayload{
		"tokens_reserved": estimate,
	}); err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	e.Log.Info("report created",
		zap.String("report_id", rep.ID),
		zap.String("account_id", accountID),
		zap.Int64("tokens_reserved", estimate),
	)
	return rep, nil
}

// transition moves a report to newStatus in its own transaction, appending
// evtType. mutate runs after the guard and may adjust other fields.
func (e Engine) transition(ctx context.Context, reportID, newStatus, evtType, actorID string, payload events.EventPayload, mutate func(*domain.Report) error) (domain.Report, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()

	rep, err := e.Repo.GetReportTx(ctx, tx, reportID)
	if err != nil {
		return domain.Report{}, err
	}
	if err := ensureReportTransition(rep.Status, newStatus); err != nil {
		return domain.Report{}, err
	}
	rep.Status = newStatus
	rep.UpdatedAt = e.nowRFC3339()
	if mutate != nil {
		if err := mutate(&rep); err != nil {
			return domain.Report{}, err
		}
	}
	if err := e.Repo.UpdateReportTx(ctx, tx, rep); err != nil {
		return domain.Report{}, err
	}
	if evtType != "" {
		if err := e.Events.Append(ctx, tx, evtType, rep.AccountID, "report", rep.ID, actorID, payload); err != nil {
			return domain.Report{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	return rep, nil
}

// CancelReport marks an in-flight report cancelled. The pipeline notices at
// the next stage boundary; output already recorded stays recorded.
func (e Engine) CancelReport(ctx context.Context, reportID, actorID string) (domain.Report, error) {
	return e.transition(ctx, reportID, domain.StatusCancelled, events.ReportCancelled, actorID, nil, func(r *domain.Report) error {
		ts := r.UpdatedAt
		r.CancelledAt = &ts
		r.CurrentStep = "Cancelled"
		return nil
	})
}

// RequestClarification suspends a processing report on a stage's question.
// The status flip and the clarification row commit together; at most one
// clarification is ever pending per report.
func (e Engine) RequestClarification(ctx context.Context, reportID, stageID, question string) (domain.Clarification, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Clarification{}, err
	}
	defer tx.Rollback()

	rep, err := e.Repo.GetReportTx(ctx, tx, reportID)
	if err != nil {
		return domain.Clarification{}, err
	}
	if err := ensureReportTransition(rep.Status, domain.StatusClarifying); err != nil {
		return domain.Clarification{}, err
	}
	if _, err := e.Repo.PendingClarificationTx(ctx, tx, reportID); err == nil {
		return domain.Clarification{}, errors.New("clarification already pending")
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Clarification{}, err
	}

	now := e.nowRFC3339()
	c := domain.Clarification{
		ID:       uuid.NewString(),
		ReportID: rep.ID,
		StageID:  stageID,
		Question: question,
		AskedAt:  now,
	}
	if err := e.Repo.InsertClarificationTx(ctx, tx, c); err != nil {
		return domain.Clarification{}, err
	}
	rep.Status = domain.StatusClarifying
	rep.CurrentStep = "Waiting for clarification"
	rep.UpdatedAt = now
	if err := e.Repo.UpdateReportTx(ctx, tx, rep); err != nil {
		return domain.Clarification{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ClarificationRequested, rep.AccountID, "report", rep.ID, "system", events.EventPayload{
		"stage":    stageID,
		"question": question,
	}); err != nil {
		return domain.Clarification{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Clarification{}, err
	}
	return c, nil
}

// AnswerClarification records the user's answer and puts the report back in
// processing. An empty answer is a deliberate "no constraints" and is
// accepted.
func (e Engine) AnswerClarification(ctx context.Context, reportID, answer, actorID string) (domain.Report, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()

	rep, err := e.Repo.GetReportTx(ctx, tx, reportID)
	if err != nil {
		return domain.Report{}, err
	}
	pending, err := e.Repo.PendingClarificationTx(ctx, tx, reportID)
	if errors.Is(err, repo.ErrNotFound) {
		// Distinguish "never asked" from "asked and already answered".
		all, lerr := e.Repo.ListClarifications(ctx, reportID)
		if lerr == nil && len(all) > 0 {
			return domain.Report{}, ErrAlreadyAnswered
		}
		return domain.Report{}, ErrNoPendingClarification
	}
	if err != nil {
		return domain.Report{}, err
	}
	if err := ensureReportTransition(rep.Status, domain.StatusProcessing); err != nil {
		return domain.Report{}, err
	}

	now := e.nowRFC3339()
	if err := e.Repo.AnswerClarificationTx(ctx, tx, pending.ID, answer, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Report{}, ErrAlreadyAnswered
		}
		return domain.Report{}, err
	}
	rep.Status = domain.StatusProcessing
	rep.CurrentStep = "Resuming"
	rep.UpdatedAt = now
	if err := e.Repo.UpdateReportTx(ctx, tx, rep); err != nil {
		return domain.Report{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ClarificationAnswered, rep.AccountID, "report", rep.ID, actorID, events.EventPayload{
		"clarification_id": pending.ID,
		"stage":            pending.StageID,
	}); err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	return rep, nil
}

// RequestRerun asks to re-run a completed report. Completed work is only
// discarded after an explicit confirm.
func (e Engine) RequestRerun(ctx context.Context, reportID, actorID string) (domain.Report, error) {
	return e.transition(ctx, reportID, domain.StatusConfirmRerun, events.ReportRerunRequested, actorID, nil, func(r *domain.Report) error {
		r.CurrentStep = "Awaiting rerun confirmation"
		return nil
	})
}

// DeclineRerun returns a confirm_rerun report to complete untouched.
func (e Engine) DeclineRerun(ctx context.Context, reportID, actorID string) (domain.Report, error) {
	return e.transition(ctx, reportID, domain.StatusComplete, events.ReportRerunDeclined, actorID, nil, func(r *domain.Report) error {
		r.CurrentStep = "Complete"
		return nil
	})
}

// ConfirmRerun clears the chain and re-admits the report through the budget
// check, since its previous reservation lapsed on completion.
func (e Engine) ConfirmRerun(ctx context.Context, reportID, actorID string) (domain.Report, error) {
	estimate := e.Config.Budget.EstimatePerReport

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Report{}, err
	}
	defer tx.Rollback()

	rep, err := e.Repo.GetReportTx(ctx, tx, reportID)
	if err != nil {
		return domain.Report{}, err
	}
	if err := ensureReportTransition(rep.Status, domain.StatusPending); err != nil {
		return domain.Report{}, err
	}
	if _, err := e.Ledger.TryReserve(ctx, tx, rep.AccountID, estimate); err != nil {
		return domain.Report{}, err
	}

	rep.Status = domain.StatusPending
	rep.CurrentStep = "Queued"
	rep.PhaseProgress = 0
	rep.ErrorReason = ""
	rep.Title = ""
	rep.Chain = domain.NewChainState()
	rep.TokensReserved = estimate
	rep.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateReportTx(ctx, tx, rep); err != nil {
		return domain.Report{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ReportRerunConfirmed, rep.AccountID, "report", rep.ID, actorID, events.EventPayload{
		"tokens_reserved": estimate,
	}); err != nil {
		return domain.Report{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Report{}, err
	}
	return rep, nil
}

// MarkStuck is the watchdog path: a processing report with no heartbeat is
// failed so its reservation stops counting against the budget.
func (e Engine) MarkStuck(ctx context.Context, reportID string) (domain.Report, error) {
	return e.transition(ctx, reportID, domain.StatusError, events.ReportFailed, "watchdog", events.EventPayload{
		"reason": "processing deadline exceeded",
	}, func(r *domain.Report) error {
		r.ErrorReason = "processing deadline exceeded"
		r.CurrentStep = "Failed"
		return nil
	})
}
