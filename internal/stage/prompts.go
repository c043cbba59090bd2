package stage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// UserPrompt renders the payload into the user message for a stage request.
// Prior outputs go in as labeled JSON blocks so the model can quote them.
func (d Descriptor) UserPrompt(p Payload) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Design challenge:\n%s\n", p.DesignChallenge)
	for _, dep := range d.DependsOn {
		out, ok := p.Prior[dep]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\nOutput of the %s stage:\n%s\n", dep, string(out))
	}
	if len(p.Clarifications) > 0 {
		b.WriteString("\nClarifications from the user:\n")
		for _, qa := range p.Clarifications {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", qa.Question, qa.Answer)
		}
	}
	return b.String()
}

const systemPreamble = `You are an inventive-design analyst. Work only from the material in the request. Respond by calling the provided tool with a complete input object. If the design challenge is too ambiguous to analyze at all, set clarification_request.question instead of guessing; otherwise leave clarification_request out and make reasonable assumptions.`

// System returns the system prompt for a stage request.
func (d Descriptor) System() string {
	return systemPreamble + "\n\n" + d.Instructions
}

// ToolName is the forced tool for stage output. One tool per stage keeps the
// schemas small.
func (d Descriptor) ToolName() string {
	return "record_" + d.ID
}

const (
	frameInstructions = `Frame the problem. Identify the core contradiction (what improves vs. what degrades), hard constraints, measurable success metrics, and the inventive principles most likely to apply.`

	conceptsInstructions = `Generate distinct solution concepts for the framed problem. Each concept needs a working mechanism and the first cheap test that would falsify it. Prefer concepts that resolve the contradiction rather than trade along it.`

	crossDomainInstructions = `Find industries and domains that have already solved a structurally similar problem. For each transfer, name the domain, the analogous solution, and which concept it strengthens or replaces.`

	evaluateInstructions = `Score every concept from the concept list on a 1-10 scale against the framed constraints and metrics. Classify each concept's impact and mark which ones you recommend pursuing.`

	reportInstructions = `Write the final report in markdown: problem analysis, solution concepts, cross-domain insights, and recommendations with next steps. Give the report a short descriptive title.`
)

var clarificationSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"question": map[string]any{"type": "string"},
	},
}

var frameSchema = objectSchema(map[string]any{
	"summary":               map[string]any{"type": "string"},
	"contradiction":         map[string]any{"type": "string"},
	"constraints":           stringArray(),
	"metrics":               stringArray(),
	"principles":            stringArray(),
	"confidence":            enumSchema("low", "medium", "high"),
	"clarification_request": clarificationSchema,
}, "summary", "contradiction")

var conceptsSchema = objectSchema(map[string]any{
	"concepts": map[string]any{
		"type": "array",
		"items": objectSchema(map[string]any{
			"name":          map[string]any{"type": "string"},
			"mechanism":     map[string]any{"type": "string"},
			"source_domain": map[string]any{"type": "string"},
			"feasibility":   enumSchema("low", "medium", "high"),
			"novel":         map[string]any{"type": "boolean"},
			"risks":         stringArray(),
			"first_test":    map[string]any{"type": "string"},
		}, "name", "mechanism"),
	},
	"clarification_request": clarificationSchema,
}, "concepts")

var crossDomainSchema = objectSchema(map[string]any{
	"transfers": map[string]any{
		"type": "array",
		"items": objectSchema(map[string]any{
			"concept": map[string]any{"type": "string"},
			"domain":  map[string]any{"type": "string"},
			"analogy": map[string]any{"type": "string"},
			"impact":  enumSchema("incremental", "significant", "breakthrough"),
		}, "domain", "analogy"),
	},
	"clarification_request": clarificationSchema,
}, "transfers")

var evaluateSchema = objectSchema(map[string]any{
	"scores": map[string]any{
		"type": "array",
		"items": objectSchema(map[string]any{
			"name":        map[string]any{"type": "string"},
			"score":       map[string]any{"type": "number", "minimum": 1, "maximum": 10},
			"impact":      enumSchema("incremental", "significant", "breakthrough"),
			"recommended": map[string]any{"type": "boolean"},
			"rationale":   map[string]any{"type": "string"},
		}, "name", "score"),
	},
	"clarification_request": clarificationSchema,
}, "scores")

var reportSchema = objectSchema(map[string]any{
	"title":                 map[string]any{"type": "string"},
	"report":                map[string]any{"type": "string"},
	"clarification_request": clarificationSchema,
}, "title", "report")

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func stringArray() map[string]any {
	return map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
}

func enumSchema(values ...string) map[string]any {
	return map[string]any{"type": "string", "enum": values}
}

// SchemaJSON renders the stage schema for transport layers that want raw
// bytes.
func (d Descriptor) SchemaJSON() json.RawMessage {
	b, _ := json.Marshal(d.Schema)
	return b
}
