// Package stage defines the fixed, totally ordered pipeline a report moves
// through, the typed output each stage produces, and the context each stage is
// allowed to see. Stage outputs come back from the generation capability as
// loosely shaped JSON; the parse functions here normalize them with
// conservative fallbacks so a sloppy field never kills a run.
package stage

import (
	"encoding/json"
	"errors"
	"fmt"

	"sparlo/internal/domain"
	"sparlo/internal/parse"
)

// Stage identifiers, in execution order.
const (
	Frame       = "frame"
	Concepts    = "concepts"
	CrossDomain = "crossdomain"
	Evaluate    = "evaluate"
	Report      = "report"
)

// ErrMissingDependency means a stage was asked to run before a declared
// dependency was recorded. That is a sequencing bug, never a retry candidate.
var ErrMissingDependency = errors.New("stage dependency missing from chain state")

// ClarificationRequest is a stage's signal that it cannot proceed without a
// human answer.
type ClarificationRequest struct {
	Question string
}

// Descriptor describes one stage: its declared inputs, how far through the
// pipeline it takes the report, the request it makes of the generation
// capability, and how to normalize the raw output that comes back.
type Descriptor struct {
	ID           string
	Title        string
	Progress     int
	DependsOn    []string
	Instructions string
	Schema       map[string]any
	Parse        func(raw map[string]any) (json.RawMessage, *ClarificationRequest)
}

// Ordered is the pipeline. Stage N+1 never starts before stage N's output is
// durably recorded.
var Ordered = []Descriptor{
	{
		ID:           Frame,
		Title:        "Framing the problem",
		Progress:     20,
		Instructions: frameInstructions,
		Schema:       frameSchema,
		Parse:        parseFrame,
	},
	{
		ID:           Concepts,
		Title:        "Generating solution concepts",
		Progress:     45,
		DependsOn:    []string{Frame},
		Instructions: conceptsInstructions,
		Schema:       conceptsSchema,
		Parse:        parseConcepts,
	},
	{
		ID:           CrossDomain,
		Title:        "Searching other industries",
		Progress:     65,
		DependsOn:    []string{Frame, Concepts},
		Instructions: crossDomainInstructions,
		Schema:       crossDomainSchema,
		Parse:        parseCrossDomain,
	},
	{
		ID:           Evaluate,
		Title:        "Evaluating concepts",
		Progress:     85,
		DependsOn:    []string{Frame, Concepts, CrossDomain},
		Instructions: evaluateInstructions,
		Schema:       evaluateSchema,
		Parse:        parseEvaluate,
	},
	{
		ID:           Report,
		Title:        "Writing the report",
		Progress:     100,
		DependsOn:    []string{Frame, Concepts, CrossDomain, Evaluate},
		Instructions: reportInstructions,
		Schema:       reportSchema,
		Parse:        parseReport,
	},
}

// ByID returns the descriptor for a stage id.
func ByID(id string) (Descriptor, bool) {
	for _, d := range Ordered {
		if d.ID == id {
			return d, true
		}
	}
	return Descriptor{}, false
}

// QA is an answered clarification carried into a stage's context.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Payload is the minimal input a stage run needs: the original challenge, the
// declared prior-stage outputs, and any answered clarifications. Never the
// whole chain state.
type Payload struct {
	DesignChallenge string                     `json:"design_challenge"`
	Prior           map[string]json.RawMessage `json:"prior,omitempty"`
	Clarifications  []QA                       `json:"clarifications,omitempty"`
}

// BuildContext assembles the payload for stageID from the chain state. Pure.
// A missing declared dependency is an invariant violation.
func BuildContext(state domain.ChainState, stageID, designChallenge string, answered []QA) (Payload, error) {
	desc, ok := ByID(stageID)
	if !ok {
		return Payload{}, fmt.Errorf("unknown stage %s", stageID)
	}
	p := Payload{
		DesignChallenge: designChallenge,
		Clarifications:  answered,
	}
	for _, dep := range desc.DependsOn {
		if !state.IsComplete(dep) {
			return Payload{}, fmt.Errorf("stage %s: %w: %s", stageID, ErrMissingDependency, dep)
		}
		if p.Prior == nil {
			p.Prior = map[string]json.RawMessage{}
		}
		p.Prior[dep] = state.Stages[dep]
	}
	return p, nil
}

// --- typed stage outputs ---

var confidenceLevels = []string{"low", "medium", "high"}
var impactLevels = []string{"incremental", "significant", "breakthrough"}

type FrameOutput struct {
	Summary       string   `json:"summary"`
	Contradiction string   `json:"contradiction"`
	Constraints   []string `json:"constraints"`
	Metrics       []string `json:"metrics"`
	Principles    []string `json:"principles"`
	Confidence    string   `json:"confidence"`
}

type Concept struct {
	Name         string   `json:"name"`
	Mechanism    string   `json:"mechanism"`
	SourceDomain string   `json:"source_domain"`
	Feasibility  string   `json:"feasibility"`
	Novel        bool     `json:"novel"`
	Risks        []string `json:"risks"`
	FirstTest    string   `json:"first_test"`
}

type ConceptsOutput struct {
	Concepts []Concept `json:"concepts"`
}

type Transfer struct {
	Concept string `json:"concept"`
	Domain  string `json:"domain"`
	Analogy string `json:"analogy"`
	Impact  string `json:"impact"`
}

type CrossDomainOutput struct {
	Transfers []Transfer `json:"transfers"`
}

type ConceptScore struct {
	Name        string  `json:"name"`
	Score       float64 `json:"score"`
	Impact      string  `json:"impact"`
	Recommended bool    `json:"recommended"`
	Rationale   string  `json:"rationale"`
}

type EvaluateOutput struct {
	Scores []ConceptScore `json:"scores"`
}

type ReportOutput struct {
	Title  string `json:"title"`
	Report string `json:"report"`
}

// clarification pulls a stage's optional clarification signal out of raw.
// Every stage may signal; a clarification with an empty question is treated
// as noise, not a suspension.
func clarification(raw map[string]any) *ClarificationRequest {
	type req struct {
		Question string `json:"question"`
	}
	r, ok := parse.OptionalObject[req](raw["clarification_request"], nil)
	if !ok {
		return nil
	}
	q := parse.String(r.Question, "")
	if q == "" {
		return nil
	}
	return &ClarificationRequest{Question: q}
}

func parseFrame(raw map[string]any) (json.RawMessage, *ClarificationRequest) {
	if c := clarification(raw); c != nil {
		return nil, c
	}
	out := FrameOutput{
		Summary:       parse.String(raw["summary"], ""),
		Contradiction: parse.String(raw["contradiction"], ""),
		Constraints:   parse.StringList(raw["constraints"]),
		Metrics:       parse.StringList(raw["metrics"]),
		Principles:    parse.StringList(raw["principles"]),
		Confidence:    parse.Enum(raw["confidence"], confidenceLevels, "low"),
	}
	return mustJSON(out), nil
}

func parseConcepts(raw map[string]any) (json.RawMessage, *ClarificationRequest) {
	if c := clarification(raw); c != nil {
		return nil, c
	}
	out := ConceptsOutput{
		Concepts: parse.Collection(raw["concepts"], func(el any) (Concept, bool) {
			m := parse.Object(el)
			if m == nil {
				return Concept{}, false
			}
			name := parse.String(m["name"], "")
			if name == "" {
				return Concept{}, false
			}
			return Concept{
				Name:         name,
				Mechanism:    parse.String(m["mechanism"], ""),
				SourceDomain: parse.String(m["source_domain"], ""),
				Feasibility:  parse.Enum(m["feasibility"], confidenceLevels, "low"),
				Novel:        parse.Bool(m["novel"], false),
				Risks:        parse.StringList(m["risks"]),
				FirstTest:    parse.String(m["first_test"], ""),
			}, true
		}),
	}
	return mustJSON(out), nil
}

func parseCrossDomain(raw map[string]any) (json.RawMessage, *ClarificationRequest) {
	if c := clarification(raw); c != nil {
		return nil, c
	}
	out := CrossDomainOutput{
		Transfers: parse.Collection(raw["transfers"], func(el any) (Transfer, bool) {
			m := parse.Object(el)
			if m == nil {
				return Transfer{}, false
			}
			dom := parse.String(m["domain"], "")
			if dom == "" {
				return Transfer{}, false
			}
			return Transfer{
				Concept: parse.String(m["concept"], ""),
				Domain:  dom,
				Analogy: parse.String(m["analogy"], ""),
				Impact:  parse.Enum(m["impact"], impactLevels, "incremental"),
			}, true
		}),
	}
	return mustJSON(out), nil
}

func parseEvaluate(raw map[string]any) (json.RawMessage, *ClarificationRequest) {
	if c := clarification(raw); c != nil {
		return nil, c
	}
	out := EvaluateOutput{
		Scores: parse.Collection(raw["scores"], func(el any) (ConceptScore, bool) {
			m := parse.Object(el)
			if m == nil {
				return ConceptScore{}, false
			}
			name := parse.String(m["name"], "")
			if name == "" {
				return ConceptScore{}, false
			}
			return ConceptScore{
				Name:        name,
				Score:       parse.Number(m["score"], 5, 1, 10),
				Impact:      parse.Enum(m["impact"], impactLevels, "incremental"),
				Recommended: parse.Bool(m["recommended"], false),
				Rationale:   parse.String(m["rationale"], ""),
			}, true
		}),
	}
	return mustJSON(out), nil
}

func parseReport(raw map[string]any) (json.RawMessage, *ClarificationRequest) {
	if c := clarification(raw); c != nil {
		return nil, c
	}
	out := ReportOutput{
		Title:  parse.String(raw["title"], ""),
		Report: parse.String(raw["report"], ""),
	}
	return mustJSON(out), nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All output types are plain JSON-able structs.
		panic(err)
	}
	return b
}
