package domain

import "encoding/json"

// Report statuses. A report is "in flight" (and its tokens_reserved counts
// against the account budget) while pending, processing, or clarifying.
const (
	StatusPending      = "pending"
	StatusProcessing   = "processing"
	StatusClarifying   = "clarifying"
	StatusComplete     = "complete"
	StatusError        = "error"
	StatusCancelled    = "cancelled"
	StatusConfirmRerun = "confirm_rerun"
)

var InFlightStatuses = []string{StatusPending, StatusProcessing, StatusClarifying}

type Report struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"account_id"`
	Title           string     `json:"title,omitempty"`
	DesignChallenge string     `json:"design_challenge"`
	Status          string     `json:"status" enum:"pending,processing,clarifying,complete,error,cancelled,confirm_rerun"`
	CurrentStep     string     `json:"current_step,omitempty"`
	PhaseProgress   int        `json:"phase_progress"`
	ErrorReason     string     `json:"error_reason,omitempty"`
	Chain           ChainState `json:"-"`
	TokensReserved  int64      `json:"tokens_reserved"`
	TokensConsumed  int64      `json:"tokens_consumed"`
	CreatedAt       string     `json:"created_at" format:"date-time"`
	UpdatedAt       string     `json:"updated_at" format:"date-time"`
	CancelledAt     *string    `json:"cancelled_at,omitempty" format:"date-time"`
}

// ChainState accumulates validated stage outputs for one report. Invariant: a
// stage's output is present iff its id is in Completed.
type ChainState struct {
	Stages    map[string]json.RawMessage `json:"stages"`
	Completed []string                   `json:"completed"`
}

func NewChainState() ChainState {
	return ChainState{Stages: map[string]json.RawMessage{}}
}

func (s ChainState) IsComplete(stageID string) bool {
	for _, id := range s.Completed {
		if id == stageID {
			return true
		}
	}
	return false
}

// Set records a stage output, overwriting any prior output for the same stage
// so a retried stage stays idempotent.
func (s *ChainState) Set(stageID string, output json.RawMessage) {
	if s.Stages == nil {
		s.Stages = map[string]json.RawMessage{}
	}
	s.Stages[stageID] = output
	if !s.IsComplete(stageID) {
		s.Completed = append(s.Completed, stageID)
	}
}

type Clarification struct {
	ID         string  `json:"id"`
	ReportID   string  `json:"report_id"`
	StageID    string  `json:"stage_id"`
	Question   string  `json:"question"`
	Answer     *string `json:"answer,omitempty"`
	AskedAt    string  `json:"asked_at" format:"date-time"`
	AnsweredAt *string `json:"answered_at,omitempty" format:"date-time"`
}

// Pending reports whether the clarification still awaits an answer. An
// empty-string answer counts as answered; only NULL is pending.
func (c Clarification) Pending() bool { return c.Answer == nil }

type UsagePeriod struct {
	ID          string `json:"id"`
	AccountID   string `json:"account_id"`
	TokensLimit int64  `json:"tokens_limit"`
	TokensUsed  int64  `json:"tokens_used"`
	PeriodStart string `json:"period_start" format:"date-time"`
	PeriodEnd   string `json:"period_end" format:"date-time"`
	Status      string `json:"status" enum:"active,closed"`
}

type APIKey struct {
	ID        string  `json:"id"`
	AccountID string  `json:"account_id"`
	Name      string  `json:"name,omitempty"`
	KeyHash   string  `json:"key_hash"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	RevokedAt *string `json:"revoked_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	AccountID  string `json:"account_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
