package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sparlo/internal/domain"
	"sparlo/internal/events"
	"sparlo/internal/llm"
	"sparlo/internal/stage"
)

// RunPipeline drives a report through the stage chain until it completes,
// suspends on a clarification, fails, or is cancelled. Safe to call again on
// a report that was interrupted mid-run: completed stages are skipped, the
// in-flight stage is redone.
func (e Engine) RunPipeline(ctx context.Context, reportID string) error {
	rep, err := e.Repo.GetReport(ctx, reportID)
	if err != nil {
		return err
	}
	switch rep.Status {
	case domain.StatusPending:
		if rep, err = e.beginProcessing(ctx, reportID); err != nil {
			return err
		}
	case domain.StatusProcessing:
		// resume
	default:
		e.Log.Debug("pipeline skipped",
			zap.String("report_id", reportID),
			zap.String("status", rep.Status),
		)
		return nil
	}

	for _, desc := range stage.Ordered {
		// Stage boundary: honor cancellation before spending tokens.
		rep, err = e.Repo.GetReport(ctx, reportID)
		if err != nil {
			return err
		}
		if rep.Status != domain.StatusProcessing {
			e.Log.Info("pipeline stopped at stage boundary",
				zap.String("report_id", reportID),
				zap.String("status", rep.Status),
			)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if rep.Chain.IsComplete(desc.ID) {
			continue
		}

		if done, err := e.runStage(ctx, rep, desc); err != nil || done {
			return err
		}
	}

	_, err = e.transition(ctx, reportID, domain.StatusComplete, events.ReportCompleted, "system", nil, func(r *domain.Report) error {
		r.CurrentStep = "Complete"
		r.PhaseProgress = 100
		return nil
	})
	if err != nil {
		return err
	}
	e.Log.Info("report complete", zap.String("report_id", reportID))
	return nil
}

// runStage generates, parses, and records one stage. done=true means the run
// is over for now (suspended on a clarification); a later resume picks it up.
func (e Engine) runStage(ctx context.Context, rep domain.Report, desc stage.Descriptor) (done bool, err error) {
	answered, err := e.answeredQA(ctx, rep.ID)
	if err != nil {
		return false, err
	}
	payload, err := stage.BuildContext(rep.Chain, desc.ID, rep.DesignChallenge, answered)
	if err != nil {
		return false, e.failReport(ctx, rep.ID, err)
	}

	if err := e.markStep(ctx, rep.ID, desc.Title); err != nil {
		return false, err
	}

	res, err := e.Generator.Generate(ctx, llm.Request{
		ReportID: rep.ID,
		Stage:    desc,
		Payload:  payload,
	})
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted, not failed: leave the report in processing for a
			// resume or the watchdog.
			return false, err
		}
		return false, e.failReport(ctx, rep.ID, err)
	}

	output, clar := desc.Parse(res.Output)
	if clar != nil {
		if err := e.debit(ctx, rep, res); err != nil {
			return false, err
		}
		if _, err := e.RequestClarification(ctx, rep.ID, desc.ID, clar.Question); err != nil {
			return false, err
		}
		e.Log.Info("report suspended on clarification",
			zap.String("report_id", rep.ID),
			zap.String("stage", desc.ID),
		)
		return true, nil
	}

	return false, e.recordStageOutput(ctx, rep.ID, desc, output, res)
}

func (e Engine) answeredQA(ctx context.Context, reportID string) ([]stage.QA, error) {
	clars, err := e.Repo.AnsweredClarifications(ctx, reportID)
	if err != nil {
		return nil, err
	}
	qa := make([]stage.QA, 0, len(clars))
	for _, c := range clars {
		if c.Pending() {
			continue
		}
		qa = append(qa, stage.QA{Question: c.Question, Answer: *c.Answer})
	}
	return qa, nil
}

// markStep publishes the human-readable step before the stage runs, so the
// status endpoint tracks a live run.
func (e Engine) markStep(ctx context.Context, reportID, title string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	rep, err := e.Repo.GetReportTx(ctx, tx, reportID)
	if err != nil {
		return err
	}
	rep.CurrentStep = title
	rep.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateReportTx(ctx, tx, rep); err != nil {
		return err
	}
	return tx.Commit()
}

// recordStageOutput writes the stage output, the usage debit, and the audit
// events in one transaction. Overwriting an already-recorded stage is allowed
// and idempotent.
func (e Engine) recordStageOutput(ctx context.Context, reportID string, desc stage.Descriptor, output json.RawMessage, res llm.Result) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rep, err := e.Repo.GetReportTx(ctx, tx, reportID)
	if err != nil {
		return err
	}
	rep.Chain.Set(desc.ID, output)
	rep.PhaseProgress = desc.Progress
	rep.CurrentStep = desc.Title
	rep.TokensConsumed += res.TotalTokens()
	rep.UpdatedAt = e.nowRFC3339()
	if desc.ID == stage.Report {
		var out stage.ReportOutput
		if err := json.Unmarshal(output, &out); err == nil && out.Title != "" {
			rep.Title = out.Title
		}
	}
	if err := e.Repo.UpdateReportTx(ctx, tx, rep); err != nil {
		return err
	}
	if err := e.Ledger.DebitTx(ctx, tx, rep.AccountID, res.TotalTokens()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.ReportStageCompleted, rep.AccountID, "report", rep.ID, "system", events.EventPayload{
		"stage":    desc.ID,
		"progress": desc.Progress,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.UsageDebited, rep.AccountID, "report", rep.ID, "system", events.EventPayload{
		"input_tokens":  res.InputTokens,
		"output_tokens": res.OutputTokens,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Log.Info("stage complete",
		zap.String("report_id", reportID),
		zap.String("stage", desc.ID),
		zap.Int64("tokens", res.TotalTokens()),
	)
	return nil
}

// debit charges usage for a stage run that produced no recordable output,
// such as one that suspended on a clarification.
func (e Engine) debit(ctx context.Context, rep domain.Report, res llm.Result) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	fresh, err := e.Repo.GetReportTx(ctx, tx, rep.ID)
	if err != nil {
		return err
	}
	fresh.TokensConsumed += res.TotalTokens()
	fresh.UpdatedAt = e.nowRFC3339()
	if err := e.Repo.UpdateReportTx(ctx, tx, fresh); err != nil {
		return err
	}
	if err := e.Ledger.DebitTx(ctx, tx, fresh.AccountID, res.TotalTokens()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.UsageDebited, fresh.AccountID, "report", fresh.ID, "system", events.EventPayload{
		"input_tokens":  res.InputTokens,
		"output_tokens": res.OutputTokens,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) beginProcessing(ctx context.Context, reportID string) (domain.Report, error) {
	return e.transition(ctx, reportID, domain.StatusProcessing, "", "system", nil, func(r *domain.Report) error {
		r.CurrentStep = "Starting"
		return nil
	})
}

// failReport records a terminal failure with a human-readable reason. The
// reservation stops counting the moment the status leaves the in-flight set.
func (e Engine) failReport(ctx context.Context, reportID string, cause error) error {
	reason := cause.Error()
	if errors.Is(cause, stage.ErrMissingDependency) {
		reason = fmt.Sprintf("internal sequencing error: %s", reason)
	}
	_, err := e.transition(ctx, reportID, domain.StatusError, events.ReportFailed, "system", events.EventPayload{
		"reason": reason,
	}, func(r *domain.Report) error {
		r.ErrorReason = reason
		r.CurrentStep = "Failed"
		return nil
	})
	if err != nil {
		return err
	}
	e.Log.Warn("report failed",
		zap.String("report_id", reportID),
		zap.String("reason", reason),
	)
	return cause
}
