package sparlosdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Sparlo HTTP API client.
type Client struct {
	BaseURL      string
	APIKey       string
	BearerToken  string
	HTTPClient   *http.Client
	Timeout      time.Duration
	PollInterval time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:      baseURL,
		Timeout:      30 * time.Second,
		PollInterval: 2 * time.Second,
	}
}

// Report is the API report model.
type Report struct {
	ID                   string          `json:"id"`
	DesignChallenge      string          `json:"designChallenge"`
	Status               string          `json:"status"`
	CurrentStep          string          `json:"currentStep"`
	PhaseProgress        int             `json:"phaseProgress"`
	Title                string          `json:"title"`
	ErrorReason          string          `json:"errorReason"`
	ReportData           json.RawMessage `json:"reportData"`
	PendingClarification *Clarification  `json:"pendingClarification"`
	TokensConsumed       int64           `json:"tokensConsumed"`
	CreatedAt            string          `json:"createdAt"`
	UpdatedAt            string          `json:"updatedAt"`
}

// Terminal reports true when the report will not change again without user
// action.
func (r Report) Terminal() bool {
	switch r.Status {
	case "complete", "error", "cancelled":
		return true
	}
	return false
}

// Clarification is a pending question blocking a report.
type Clarification struct {
	ID       string `json:"id"`
	StageID  string `json:"stageId"`
	Question string `json:"question"`
	AskedAt  string `json:"askedAt"`
}

// Event is an audit log entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// Usage is the account's token budget snapshot.
type Usage struct {
	PeriodStart    string `json:"period_start"`
	PeriodEnd      string `json:"period_end"`
	TokensLimit    int64  `json:"tokens_limit"`
	TokensUsed     int64  `json:"tokens_used"`
	TokensReserved int64  `json:"tokens_reserved"`
	TokensFree     int64  `json:"tokens_free"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// StartReport starts a report for a design challenge.
func (c *Client) StartReport(ctx context.Context, designChallenge string) (Report, error) {
	body := map[string]any{"design_challenge": designChallenge}
	var resp Report
	err := c.do(ctx, http.MethodPost, "v0/reports", body, &resp)
	return resp, err
}

// GetReport fetches a report's current state.
func (c *Client) GetReport(ctx context.Context, id string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodGet, c.reportPath(id, ""), nil, &resp)
	return resp, err
}

// ListReports returns the account's reports, optionally filtered by status.
func (c *Client) ListReports(ctx context.Context, status string) ([]Report, error) {
	endpoint := "v0/reports"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []Report
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Wait polls until the report reaches a terminal status or needs a
// clarification answer. The caller decides what to do with a clarifying
// report.
func (c *Client) Wait(ctx context.Context, id string) (Report, error) {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for {
		rep, err := c.GetReport(ctx, id)
		if err != nil {
			return Report{}, err
		}
		if rep.Terminal() || rep.Status == "clarifying" || rep.Status == "confirm_rerun" {
			return rep, nil
		}
		select {
		case <-ctx.Done():
			return rep, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Answer answers the pending clarification. An empty answer means "no further
// constraints" and is accepted.
func (c *Client) Answer(ctx context.Context, id, answer string) (Report, error) {
	body := map[string]any{"answer": answer}
	var resp Report
	err := c.do(ctx, http.MethodPost, c.reportPath(id, "answer"), body, &resp)
	return resp, err
}

// Cancel cancels an in-flight report, or declines a pending rerun request.
func (c *Client) Cancel(ctx context.Context, id string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, c.reportPath(id, "cancel"), nil, &resp)
	return resp, err
}

// RequestRerun asks to re-run a completed report.
func (c *Client) RequestRerun(ctx context.Context, id string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, c.reportPath(id, "rerun"), nil, &resp)
	return resp, err
}

// ConfirmRerun confirms a rerun, discarding the prior output.
func (c *Client) ConfirmRerun(ctx context.Context, id string) (Report, error) {
	var resp Report
	err := c.do(ctx, http.MethodPost, c.reportPath(id, "rerun/confirm"), nil, &resp)
	return resp, err
}

// Events returns a report's audit trail.
func (c *Client) Events(ctx context.Context, id string) ([]Event, error) {
	var resp []Event
	err := c.do(ctx, http.MethodGet, c.reportPath(id, "events"), nil, &resp)
	return resp, err
}

// Usage returns the account's active period and budget.
func (c *Client) Usage(ctx context.Context) (Usage, error) {
	var resp Usage
	err := c.do(ctx, http.MethodGet, "v0/usage", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) reportPath(id, action string) string {
	p := fmt.Sprintf("v0/reports/%s", url.PathEscape(id))
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
