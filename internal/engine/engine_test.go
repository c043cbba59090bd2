package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"sparlo/internal/config"
	"sparlo/internal/db"
	"sparlo/internal/domain"
	"sparlo/internal/events"
	"sparlo/internal/ledger"
	"sparlo/internal/llm"
	"sparlo/internal/migrate"
	"sparlo/internal/stage"
)

type testEnv struct {
	eng    Engine
	script *llm.Script
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	cfg.Budget.TokensLimit = 1_000_000
	cfg.Budget.EstimatePerReport = 350_000

	script := llm.NewScript()
	return &testEnv{eng: New(conn, cfg, script, nil), script: script}
}

// scriptFullRun queues a plausible output for every stage so a pipeline run
// completes end to end.
func (env *testEnv) scriptFullRun() {
	env.script.
		On(stage.Frame, map[string]any{
			"summary":       "Seats must be light yet rigid",
			"contradiction": "stiffness vs weight",
			"constraints":   []any{"under 8kg", "flat-pack"},
			"metrics":       []any{"deflection under load"},
			"principles":    []any{"segmentation"},
			"confidence":    "high",
		}).
		On(stage.Concepts, map[string]any{
			"concepts": []any{
				map[string]any{"name": "Honeycomb shell", "mechanism": "sandwich core", "source_domain": "aerospace", "feasibility": "medium", "novel": true},
				map[string]any{"name": "Tension frame", "mechanism": "pre-stressed cables", "source_domain": "bridges", "feasibility": "high", "novel": false},
			},
		}).
		On(stage.CrossDomain, map[string]any{
			"transfers": []any{
				map[string]any{"concept": "Honeycomb shell", "domain": "packaging", "analogy": "corrugated board", "impact": "significant"},
			},
		}).
		On(stage.Evaluate, map[string]any{
			"scores": []any{
				map[string]any{"name": "Honeycomb shell", "score": 8, "impact": "significant", "recommended": true, "rationale": "best ratio"},
			},
		}).
		On(stage.Report, map[string]any{
			"title":  "Lightweight seating study",
			"report": "# Findings\n\nHoneycomb shell wins.",
		})
}

func (env *testEnv) start(t *testing.T) domain.Report {
	t.Helper()
	rep, err := env.eng.StartReport(context.Background(), "acct-1", "a lighter stadium seat", "user-1")
	if err != nil {
		t.Fatalf("start report: %v", err)
	}
	return rep
}

func (env *testEnv) get(t *testing.T, id string) domain.Report {
	t.Helper()
	rep, err := env.eng.Repo.GetReport(context.Background(), id)
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	return rep
}

func TestReportTransitionGuard(t *testing.T) {
	allowed := []struct{ from, to string }{
		{domain.StatusPending, domain.StatusProcessing},
		{domain.StatusPending, domain.StatusCancelled},
		{domain.StatusProcessing, domain.StatusClarifying},
		{domain.StatusProcessing, domain.StatusComplete},
		{domain.StatusProcessing, domain.StatusError},
		{domain.StatusProcessing, domain.StatusCancelled},
		{domain.StatusClarifying, domain.StatusProcessing},
		{domain.StatusClarifying, domain.StatusCancelled},
		{domain.StatusComplete, domain.StatusConfirmRerun},
		{domain.StatusConfirmRerun, domain.StatusPending},
		{domain.StatusConfirmRerun, domain.StatusComplete},
	}
	for _, tc := range allowed {
		if err := ensureReportTransition(tc.from, tc.to); err != nil {
			t.Errorf("%s -> %s: unexpected error %v", tc.from, tc.to, err)
		}
	}

	denied := []struct{ from, to string }{
		{domain.StatusPending, domain.StatusComplete},
		{domain.StatusPending, domain.StatusClarifying},
		{domain.StatusComplete, domain.StatusPending},
		{domain.StatusComplete, domain.StatusCancelled},
		{domain.StatusCancelled, domain.StatusProcessing},
		{domain.StatusError, domain.StatusProcessing},
		{domain.StatusConfirmRerun, domain.StatusProcessing},
		{domain.StatusClarifying, domain.StatusComplete},
	}
	for _, tc := range denied {
		if err := ensureReportTransition(tc.from, tc.to); err == nil {
			t.Errorf("%s -> %s: expected transition error", tc.from, tc.to)
		}
	}
}

func TestStartReportReservesBudget(t *testing.T) {
	env := newTestEnv(t)
	rep := env.start(t)

	if rep.Status != domain.StatusPending {
		t.Fatalf("status = %s, want pending", rep.Status)
	}
	if rep.TokensReserved != 350_000 {
		t.Fatalf("tokens_reserved = %d, want 350000", rep.TokensReserved)
	}

	usage, err := env.eng.Ledger.Snapshot(context.Background(), env.eng.DB, "acct-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if usage.TokensReserved != 350_000 {
		t.Fatalf("reserved total = %d, want 350000", usage.TokensReserved)
	}

	evts, err := env.eng.Events.ForEntity(context.Background(), "report", rep.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 || evts[0].Type != events.ReportCreated {
		t.Fatalf("events = %+v, want one report.created", evts)
	}
}

func TestStartReportDeniedWhenBudgetFull(t *testing.T) {
	env := newTestEnv(t)
	env.start(t)
	env.start(t)

	// Two in-flight reports hold 700k of the 1M budget; a third does not fit.
	_, err := env.eng.StartReport(context.Background(), "acct-1", "another seat", "user-1")
	if !errors.Is(err, ledger.ErrBudgetExhausted) {
		t.Fatalf("err = %v, want ErrBudgetExhausted", err)
	}

	reps, err := env.eng.Repo.ListReports(context.Background(), "acct-1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(reps) != 2 {
		t.Fatalf("denied start left a row behind: %d reports", len(reps))
	}
}

func TestStartReportRequiresChallenge(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.eng.StartReport(context.Background(), "acct-1", "", "user-1"); err == nil {
		t.Fatal("expected error for empty design challenge")
	}
}

func TestRunPipelineToCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.scriptFullRun()
	rep := env.start(t)

	if err := env.eng.RunPipeline(context.Background(), rep.ID); err != nil {
		t.Fatalf("run pipeline: %v", err)
	}

	got := env.get(t, rep.ID)
	if got.Status != domain.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	if got.PhaseProgress != 100 {
		t.Fatalf("phase_progress = %d, want 100", got.PhaseProgress)
	}
	if got.Title != "Lightweight seating study" {
		t.Fatalf("title = %q", got.Title)
	}
	if got.TokensConsumed != 5000 {
		t.Fatalf("tokens_consumed = %d, want 5000 (5 stages x 1000)", got.TokensConsumed)
	}
	for _, desc := range stage.Ordered {
		if !got.Chain.IsComplete(desc.ID) {
			t.Errorf("stage %s missing from chain", desc.ID)
		}
	}

	// Completion released the reservation; only actual usage remains charged.
	usage, err := env.eng.Ledger.Snapshot(context.Background(), env.eng.DB, "acct-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if usage.TokensReserved != 0 {
		t.Fatalf("reserved total = %d after completion, want 0", usage.TokensReserved)
	}
	if usage.Period.TokensUsed != 5000 {
		t.Fatalf("tokens_used = %d, want 5000", usage.Period.TokensUsed)
	}
}

func TestPipelineSuspendsOnClarification(t *testing.T) {
	env := newTestEnv(t)
	// The first concepts call asks a question; the real output queued after it
	// serves the retry once the answer arrives.
	env.script.On(stage.Concepts, map[string]any{
		"clarification_request": map[string]any{"question": "Indoor or outdoor seating?"},
	})
	env.scriptFullRun()

	rep := env.start(t)
	if err := env.eng.RunPipeline(context.Background(), rep.ID); err != nil {
		t.Fatalf("run pipeline: %v", err)
	}

	got := env.get(t, rep.ID)
	if got.Status != domain.StatusClarifying {
		t.Fatalf("status = %s, want clarifying", got.Status)
	}
	pending, err := env.eng.Repo.PendingClarification(context.Background(), rep.ID)
	if err != nil {
		t.Fatalf("pending clarification: %v", err)
	}
	if pending.Question != "Indoor or outdoor seating?" {
		t.Fatalf("question = %q", pending.Question)
	}

	// The suspended call still cost tokens.
	if got.TokensConsumed != 2000 {
		t.Fatalf("tokens_consumed = %d, want 2000 (frame + suspended concepts)", got.TokensConsumed)
	}

	// An empty answer is a deliberate "no constraints".
	if _, err := env.eng.AnswerClarification(context.Background(), rep.ID, "", "user-1"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	got = env.get(t, rep.ID)
	if got.Status != domain.StatusProcessing {
		t.Fatalf("status after answer = %s, want processing", got.Status)
	}

	if err := env.eng.RunPipeline(context.Background(), rep.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got = env.get(t, rep.ID)
	if got.Status != domain.StatusComplete {
		t.Fatalf("status after resume = %s, want complete", got.Status)
	}
	// Frame was recorded before the suspension and is not redone on resume.
	if n := env.script.CallCount(stage.Frame); n != 1 {
		t.Fatalf("frame called %d times, want 1", n)
	}
}

func TestAnswerClarificationProtocol(t *testing.T) {
	env := newTestEnv(t)
	env.script.On(stage.Frame, map[string]any{
		"clarification_request": map[string]any{"question": "What venue?"},
	})
	env.scriptFullRun()

	rep := env.start(t)

	// Nothing asked yet.
	if _, err := env.eng.AnswerClarification(context.Background(), rep.ID, "stadium", "user-1"); !errors.Is(err, ErrNoPendingClarification) {
		t.Fatalf("err = %v, want ErrNoPendingClarification", err)
	}

	if err := env.eng.RunPipeline(context.Background(), rep.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := env.eng.AnswerClarification(context.Background(), rep.ID, "stadium", "user-1"); err != nil {
		t.Fatalf("answer: %v", err)
	}

	// Second answer hits the already-answered row.
	if _, err := env.eng.AnswerClarification(context.Background(), rep.ID, "arena", "user-1"); !errors.Is(err, ErrAlreadyAnswered) {
		t.Fatalf("err = %v, want ErrAlreadyAnswered", err)
	}
}

func TestCancelStopsPipeline(t *testing.T) {
	env := newTestEnv(t)
	rep := env.start(t)

	cancelled, err := env.eng.CancelReport(context.Background(), rep.ID, "user-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.StatusCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("cancelled = %+v", cancelled)
	}

	// The pipeline refuses to touch a cancelled report.
	if err := env.eng.RunPipeline(context.Background(), rep.ID); err != nil {
		t.Fatalf("run on cancelled: %v", err)
	}
	if len(env.script.Calls) != 0 {
		t.Fatalf("generator called %d times for a cancelled report", len(env.script.Calls))
	}

	// Cancellation released the reservation.
	usage, err := env.eng.Ledger.Snapshot(context.Background(), env.eng.DB, "acct-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if usage.TokensReserved != 0 {
		t.Fatalf("reserved total = %d, want 0", usage.TokensReserved)
	}
}

func TestGenerationFailureFailsReport(t *testing.T) {
	env := newTestEnv(t)
	env.script.Fail(stage.Frame, 1)

	rep := env.start(t)
	err := env.eng.RunPipeline(context.Background(), rep.ID)
	if err == nil {
		t.Fatal("expected pipeline error")
	}

	got := env.get(t, rep.ID)
	if got.Status != domain.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if !strings.Contains(got.ErrorReason, "scripted failure") {
		t.Fatalf("error_reason = %q", got.ErrorReason)
	}

	// A failed report stops holding budget, so a fresh one is admitted.
	if _, err := env.eng.StartReport(context.Background(), "acct-1", "take two", "user-1"); err != nil {
		t.Fatalf("restart after failure: %v", err)
	}
}

func TestRerunFlow(t *testing.T) {
	env := newTestEnv(t)
	env.scriptFullRun()
	rep := env.start(t)
	if err := env.eng.RunPipeline(context.Background(), rep.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	if _, err := env.eng.RequestRerun(context.Background(), rep.ID, "user-1"); err != nil {
		t.Fatalf("request rerun: %v", err)
	}
	if got := env.get(t, rep.ID); got.Status != domain.StatusConfirmRerun {
		t.Fatalf("status = %s, want confirm_rerun", got.Status)
	}

	// Declining keeps the completed report untouched.
	if _, err := env.eng.DeclineRerun(context.Background(), rep.ID, "user-1"); err != nil {
		t.Fatalf("decline: %v", err)
	}
	got := env.get(t, rep.ID)
	if got.Status != domain.StatusComplete || got.Title == "" || !got.Chain.IsComplete(stage.Report) {
		t.Fatalf("declined report lost its output: %+v", got)
	}

	// Confirming re-reserves and wipes the chain.
	if _, err := env.eng.RequestRerun(context.Background(), rep.ID, "user-1"); err != nil {
		t.Fatalf("request rerun: %v", err)
	}
	confirmed, err := env.eng.ConfirmRerun(context.Background(), rep.ID, "user-1")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != domain.StatusPending || confirmed.Title != "" || confirmed.PhaseProgress != 0 {
		t.Fatalf("confirmed = %+v", confirmed)
	}
	if len(confirmed.Chain.Completed) != 0 {
		t.Fatalf("chain not cleared: %v", confirmed.Chain.Completed)
	}
	usage, err := env.eng.Ledger.Snapshot(context.Background(), env.eng.DB, "acct-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if usage.TokensReserved != 350_000 {
		t.Fatalf("reserved total = %d, want 350000", usage.TokensReserved)
	}

	// The rerun goes through every stage again.
	env.scriptFullRun()
	if err := env.eng.RunPipeline(context.Background(), rep.ID); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if got := env.get(t, rep.ID); got.Status != domain.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	if n := env.script.CallCount(stage.Frame); n != 2 {
		t.Fatalf("frame called %d times across both runs, want 2", n)
	}
}

func TestConfirmRerunDeniedWhenBudgetFull(t *testing.T) {
	env := newTestEnv(t)
	env.scriptFullRun()
	rep := env.start(t)
	if err := env.eng.RunPipeline(context.Background(), rep.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := env.eng.RequestRerun(context.Background(), rep.ID, "user-1"); err != nil {
		t.Fatalf("request rerun: %v", err)
	}

	// Fill the budget with other in-flight reports before confirming.
	env.start(t)
	env.start(t)
	if _, err := env.eng.ConfirmRerun(context.Background(), rep.ID, "user-1"); !errors.Is(err, ledger.ErrBudgetExhausted) {
		t.Fatalf("err = %v, want ErrBudgetExhausted", err)
	}
	// The report stays in confirm_rerun with its output intact.
	if got := env.get(t, rep.ID); got.Status != domain.StatusConfirmRerun || !got.Chain.IsComplete(stage.Report) {
		t.Fatalf("report = %+v", got)
	}
}

func TestMarkStuck(t *testing.T) {
	env := newTestEnv(t)
	env.scriptFullRun()
	rep := env.start(t)

	if _, err := env.eng.beginProcessing(context.Background(), rep.ID); err != nil {
		t.Fatalf("begin processing: %v", err)
	}
	got, err := env.eng.MarkStuck(context.Background(), rep.ID)
	if err != nil {
		t.Fatalf("mark stuck: %v", err)
	}
	if got.Status != domain.StatusError || got.ErrorReason != "processing deadline exceeded" {
		t.Fatalf("report = %+v", got)
	}

	// Only processing reports can be swept.
	if _, err := env.eng.MarkStuck(context.Background(), rep.ID); err == nil {
		t.Fatal("expected transition error on second sweep")
	}
}
