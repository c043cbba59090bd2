// Package llm is the generation boundary. The engine only sees the Generator
// interface; the real implementation talks to the Anthropic API with a forced
// tool call so stage output always arrives as a JSON object, never prose.
package llm

import (
	"context"

	"sparlo/internal/stage"
)

// Request is one stage generation call.
type Request struct {
	ReportID string
	Stage    stage.Descriptor
	Payload  stage.Payload
}

// Result carries the raw tool input plus the token usage the call consumed.
type Result struct {
	Output       map[string]any
	InputTokens  int64
	OutputTokens int64
}

func (r Result) TotalTokens() int64 { return r.InputTokens + r.OutputTokens }

type Generator interface {
	Generate(ctx context.Context, req Request) (Result, error)
}
