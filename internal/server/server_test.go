package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"sparlo/internal/config"
	"sparlo/internal/db"
	"sparlo/internal/domain"
	"sparlo/internal/engine"
	"sparlo/internal/llm"
	"sparlo/internal/migrate"
	"sparlo/internal/repo"
	"sparlo/internal/stage"
)

const testJWTSecret = "test-secret"

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingEnqueuer) Enqueue(reportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, reportID)
}

func (r *recordingEnqueuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

type testServer struct {
	URL      string
	client   *http.Client
	eng      engine.Engine
	script   *llm.Script
	enqueued *recordingEnqueuer
	close    func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default()
	cfg.Budget.TokensLimit = 1_000_000
	cfg.Budget.EstimatePerReport = 350_000

	script := llm.NewScript()
	e := engine.New(conn, cfg, script, nil)
	enq := &recordingEnqueuer{}
	handler, err := New(Config{
		Engine:   e,
		Runner:   enq,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)

	ts := &testServer{
		URL:      "http://" + ln.Addr().String(),
		client:   &http.Client{},
		eng:      e,
		script:   script,
		enqueued: enq,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func signToken(t *testing.T, accountID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   accountID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func authHeader(t *testing.T, accountID string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, accountID)}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var body struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal error body: %v: %s", err, string(data))
	}
	return body.Error
}

// scriptFullRun queues outputs so a pipeline run reaches complete.
func (s *testServer) scriptFullRun() {
	s.script.
		On(stage.Frame, map[string]any{"summary": "s", "confidence": "high"}).
		On(stage.Concepts, map[string]any{"concepts": []any{map[string]any{"name": "A"}}}).
		On(stage.CrossDomain, map[string]any{"transfers": []any{map[string]any{"domain": "d"}}}).
		On(stage.Evaluate, map[string]any{"scores": []any{map[string]any{"name": "A", "score": 7}}}).
		On(stage.Report, map[string]any{"title": "T", "report": "# R"})
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/reports", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "unauthorized" {
		t.Fatalf("code = %s", code)
	}

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/reports", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}

	// Health stays open.
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv := newTestServer(t)
	rawKey := "sk-test-12345"
	err := srv.eng.Repo.InsertAPIKey(context.Background(), domain.APIKey{
		ID:        uuid.NewString(),
		AccountID: "acct-key",
		Name:      "ci",
		KeyHash:   repo.HashAPIKey(rawKey),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("insert api key: %v", err)
	}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/reports", nil, map[string]string{
		"X-Api-Key": rawKey,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/reports", nil, map[string]string{
		"X-Api-Key": "sk-wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong key status %d", res.StatusCode)
	}
}

func TestStartReport(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"design_challenge": "a quieter vacuum cleaner",
	}, authHeader(t, "acct-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	var rep ReportResponse
	if err := json.Unmarshal(data, &rep); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rep.ID == "" || rep.Status != domain.StatusPending || rep.DesignChallenge != "a quieter vacuum cleaner" {
		t.Fatalf("report = %+v", rep)
	}
	if rep.CurrentStep != "Queued" || rep.PhaseProgress != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if srv.enqueued.count() != 1 {
		t.Fatalf("enqueued %d reports, want 1", srv.enqueued.count())
	}

	// Missing challenge is a 400, blank challenge too.
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"design_challenge": "   ",
	}, authHeader(t, "acct-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank challenge status %d: %s", res.StatusCode, string(data))
	}
}

func TestStartReportBudgetExhausted(t *testing.T) {
	srv := newTestServer(t)
	headers := authHeader(t, "acct-1")

	for i := 0; i < 2; i++ {
		res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
			"design_challenge": "seat",
		}, headers)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("start %d status %d: %s", i, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/reports", map[string]any{
		"design_challenge": "seat",
	}, headers)
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "budget_exhausted" {
		t.Fatalf("code = %s", code)
	}
}

func TestGetReportScopedToAccount(t *testing.T) {
	srv := newTestServer(t)

	rep, err := srv.eng.StartReport(context.Background(), "acct-1", "seat", "acct-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/reports/"+rep.ID, nil, authHeader(t, "acct-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}

	// Another account sees a 404, not a 403.
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/reports/"+rep.ID, nil, authHeader(t, "acct-2"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-account status %d: %s", res.StatusCode, string(data))
	}
}

func TestCompletedReportCarriesData(t *testing.T) {
	srv := newTestServer(t)
	srv.scriptFullRun()

	rep, err := srv.eng.StartReport(context.Background(), "acct-1", "seat", "acct-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.eng.RunPipeline(context.Background(), rep.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/reports/"+rep.ID, nil, authHeader(t, "acct-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var got ReportResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != domain.StatusComplete || got.Title != "T" || got.PhaseProgress != 100 {
		t.Fatalf("report = %+v", got)
	}
	var out stage.ReportOutput
	if err := json.Unmarshal(got.ReportData, &out); err != nil {
		t.Fatalf("reportData: %v: %s", err, string(got.ReportData))
	}
	if out.Report != "# R" {
		t.Fatalf("report body = %q", out.Report)
	}
}

func TestAnswerClarification(t *testing.T) {
	srv := newTestServer(t)
	srv.script.On(stage.Frame, map[string]any{
		"clarification_request": map[string]any{"question": "For which climate?"},
	})
	srv.scriptFullRun()
	headers := authHeader(t, "acct-1")

	rep, err := srv.eng.StartReport(context.Background(), "acct-1", "seat", "acct-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Nothing pending yet.
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/reports/"+rep.ID+"/answer", map[string]any{
		"answer": "temperate",
	}, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "no_pending_clarification" {
		t.Fatalf("code = %s", code)
	}

	if err := srv.eng.RunPipeline(context.Background(), rep.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The status payload now carries the question.
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/reports/"+rep.ID, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	var got ReportResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != domain.StatusClarifying || got.PendingClarification == nil {
		t.Fatalf("report = %+v", got)
	}
	if got.PendingClarification.Question != "For which climate?" {
		t.Fatalf("question = %q", got.PendingClarification.Question)
	}

	// The answer field must be present; an empty string is a valid answer.
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/reports/"+rep.ID+"/answer", map[string]any{}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing answer status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/reports/"+rep.ID+"/answer", map[string]any{
		"answer": "",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("empty answer status %d: %s", res.StatusCode, string(data))
	}

	// Answering again conflicts.
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/reports/"+rep.ID+"/answer", map[string]any{
		"answer": "again",
	}, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second answer status %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "already_answered" {
		t.Fatalf("code = %s", code)
	}
}

func TestCancelSemantics(t *testing.T) {
	srv := newTestServer(t)
	srv.scriptFullRun()
	headers := authHeader(t, "acct-1")

	// Cancel an in-flight report.
	rep, err := srv.eng.StartReport(context.Background(), "acct-1", "seat", "acct-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/reports/"+rep.ID+"/cancel", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	var got ReportResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}

	// Cancelling twice is a conflict.
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/reports/"+rep.ID+"/cancel", nil, headers)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status %d: %s", res.StatusCode, string(data))
	}
	if code := decodeError(t, data).Code; code != "invalid_transition" {
		t.Fatalf("code = %s", code)
	}

	// Cancelling a rerun request keeps the completed report.
	rep2, err := srv.eng.StartReport(context.Background(), "acct-1", "seat two", "acct-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.eng.RunPipeline(context.Background(), rep2.ID); err != nil {
		t.Fatalf("run: %v", err)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/reports/"+rep2.ID+"/rerun", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rerun status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/reports/"+rep2.ID+"/cancel", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel rerun status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != domain.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
}

func TestConfirmRerunEnqueues(t *testing.T) {
	srv := newTestServer(t)
	srv.scriptFullRun()
	headers := authHeader(t, "acct-1")

	rep, err := srv.eng.StartReport(context.Background(), "acct-1", "seat", "acct-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.eng.RunPipeline(context.Background(), rep.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/reports/"+rep.ID+"/rerun", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("rerun status %d: %s", res.StatusCode, string(data))
	}
	before := srv.enqueued.count()
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/reports/"+rep.ID+"/rerun/confirm", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d: %s", res.StatusCode, string(data))
	}
	var got ReportResponse
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Status != domain.StatusPending || got.Title != "" {
		t.Fatalf("report = %+v", got)
	}
	if srv.enqueued.count() != before+1 {
		t.Fatalf("confirm did not enqueue")
	}
}

func TestReportEvents(t *testing.T) {
	srv := newTestServer(t)
	srv.scriptFullRun()
	headers := authHeader(t, "acct-1")

	rep, err := srv.eng.StartReport(context.Background(), "acct-1", "seat", "acct-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.eng.RunPipeline(context.Background(), rep.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/reports/"+rep.ID+"/events", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(evts) == 0 {
		t.Fatal("no events")
	}
	if evts[0].Type != "report.created" {
		t.Fatalf("first event = %s", evts[0].Type)
	}
	last := evts[len(evts)-1]
	if last.Type != "report.completed" {
		t.Fatalf("last event = %s", last.Type)
	}
}

func TestUsageEndpoint(t *testing.T) {
	srv := newTestServer(t)
	headers := authHeader(t, "acct-1")

	if _, err := srv.eng.StartReport(context.Background(), "acct-1", "seat", "acct-1"); err != nil {
		t.Fatalf("start: %v", err)
	}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/usage", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var usage UsageResponse
	if err := json.Unmarshal(data, &usage); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if usage.TokensLimit != 1_000_000 || usage.TokensReserved != 350_000 || usage.TokensFree != 650_000 {
		t.Fatalf("usage = %+v", usage)
	}
}
