package server

import (
	"encoding/json"

	"sparlo/internal/domain"
)

// Request payloads

type StartReportRequest struct {
	DesignChallenge string `json:"design_challenge"`
}

type AnswerRequest struct {
	// Answer may legitimately be empty ("no further constraints"); absence of
	// the field, not emptiness, is what gets rejected.
	Answer *string `json:"answer"`
}

// Response payloads

// ReportResponse mirrors the wire format the display layer polls: status,
// currentStep, phaseProgress, title, and reportData once complete.
type ReportResponse struct {
	ID                   string                 `json:"id"`
	DesignChallenge      string                 `json:"designChallenge"`
	Status               string                 `json:"status" enum:"pending,processing,clarifying,complete,error,cancelled,confirm_rerun"`
	CurrentStep          string                 `json:"currentStep,omitempty"`
	PhaseProgress        int                    `json:"phaseProgress"`
	Title                string                 `json:"title,omitempty"`
	ErrorReason          string                 `json:"errorReason,omitempty"`
	ReportData           json.RawMessage        `json:"reportData,omitempty"`
	PendingClarification *ClarificationResponse `json:"pendingClarification,omitempty"`
	TokensConsumed       int64                  `json:"tokensConsumed"`
	CreatedAt            string                 `json:"createdAt" format:"date-time"`
	UpdatedAt            string                 `json:"updatedAt" format:"date-time"`
}

type ClarificationResponse struct {
	ID       string `json:"id"`
	StageID  string `json:"stageId"`
	Question string `json:"question"`
	AskedAt  string `json:"askedAt" format:"date-time"`
}

type EventResponse struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts" format:"date-time"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type UsageResponse struct {
	PeriodStart    string `json:"period_start" format:"date-time"`
	PeriodEnd      string `json:"period_end" format:"date-time"`
	TokensLimit    int64  `json:"tokens_limit"`
	TokensUsed     int64  `json:"tokens_used"`
	TokensReserved int64  `json:"tokens_reserved"`
	TokensFree     int64  `json:"tokens_free"`
}

func reportResponse(r domain.Report, pending *domain.Clarification) ReportResponse {
	resp := ReportResponse{
		ID:              r.ID,
		DesignChallenge: r.DesignChallenge,
		Status:          r.Status,
		CurrentStep:     r.CurrentStep,
		PhaseProgress:   r.PhaseProgress,
		Title:           r.Title,
		ErrorReason:     r.ErrorReason,
		TokensConsumed:  r.TokensConsumed,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Status == domain.StatusComplete {
		if out, ok := r.Chain.Stages["report"]; ok {
			resp.ReportData = out
		}
	}
	if pending != nil {
		resp.PendingClarification = &ClarificationResponse{
			ID:       pending.ID,
			StageID:  pending.StageID,
			Question: pending.Question,
			AskedAt:  pending.AskedAt,
		}
	}
	return resp
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		Payload: json.RawMessage(e.Payload),
	}
}
