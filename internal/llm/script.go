package llm

import (
	"context"
	"fmt"
	"sync"
)

// Script is a deterministic Generator for tests and dry runs. Outputs are
// keyed by stage id; Fail schedules an error for the stage's next call.
type Script struct {
	mu      sync.Mutex
	outputs map[string][]map[string]any
	fails   map[string]int
	Tokens  int64 // reported per call, split evenly between input and output
	Calls   []string
}

func NewScript() *Script {
	return &Script{
		outputs: map[string][]map[string]any{},
		fails:   map[string]int{},
		Tokens:  1000,
	}
}

// On queues an output for the stage. Repeated calls queue in order; the last
// queued output is sticky.
func (s *Script) On(stageID string, output map[string]any) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[stageID] = append(s.outputs[stageID], output)
	return s
}

// Fail makes the stage's next n calls return an error before any queued
// output is served.
func (s *Script) Fail(stageID string, n int) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails[stageID] += n
	return s
}

func (s *Script) Generate(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, req.Stage.ID)
	if s.fails[req.Stage.ID] > 0 {
		s.fails[req.Stage.ID]--
		return Result{}, fmt.Errorf("scripted failure for stage %s", req.Stage.ID)
	}
	queue := s.outputs[req.Stage.ID]
	if len(queue) == 0 {
		return Result{}, fmt.Errorf("no scripted output for stage %s", req.Stage.ID)
	}
	out := queue[0]
	if len(queue) > 1 {
		s.outputs[req.Stage.ID] = queue[1:]
	}
	return Result{
		Output:       out,
		InputTokens:  s.Tokens / 2,
		OutputTokens: s.Tokens - s.Tokens/2,
	}, nil
}

// CallCount returns how many times the stage was invoked.
func (s *Script) CallCount(stageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Calls {
		if c == stageID {
			n++
		}
	}
	return n
}
