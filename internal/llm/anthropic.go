package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"sparlo/internal/config"
)

// AnthropicClient implements Generator against the Anthropic Messages API.
type AnthropicClient struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	timeout     time.Duration
}

func NewAnthropicClient(cfg *config.Config) (*AnthropicClient, error) {
	keyEnv := cfg.LLM.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "ANTHROPIC_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %s is not set", keyEnv)
	}
	return &AnthropicClient{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:       cfg.LLM.Model,
		maxTokens:   cfg.LLM.MaxTokens,
		temperature: cfg.LLM.Temperature,
		timeout:     cfg.RequestTimeout(),
	}, nil
}

func (c *AnthropicClient) Generate(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	toolName := req.Stage.ToolName()
	var inputSchema anthropic.ToolInputSchemaParam
	_ = json.Unmarshal(req.Stage.SchemaJSON(), &inputSchema)
	tool := anthropic.ToolParam{
		Name:        toolName,
		Description: anthropic.String("Record the structured output of the " + req.Stage.ID + " stage."),
		InputSchema: inputSchema,
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   c.maxTokens,
		Temperature: anthropic.Float(c.temperature),
		System: []anthropic.TextBlockParam{
			{Text: req.Stage.System()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Stage.UserPrompt(req.Payload))),
		},
		Tools: []anthropic.ToolUnionParam{
			{OfTool: &tool},
		},
		ToolChoice: anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: toolName},
		},
	}

	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("stage %s generation: %w", req.Stage.ID, err)
	}

	res := Result{
		InputTokens:  message.Usage.InputTokens,
		OutputTokens: message.Usage.OutputTokens,
	}
	for _, block := range message.Content {
		if block.Type != "tool_use" || block.Name != toolName {
			continue
		}
		var out map[string]any
		if block.Input != nil {
			_ = json.Unmarshal(block.Input, &out)
		}
		if out == nil {
			out = map[string]any{}
		}
		res.Output = out
		return res, nil
	}
	// The forced tool choice should make this unreachable, but a truncated
	// response can end before the tool block.
	return res, fmt.Errorf("stage %s generation: no %s tool call in response (stop_reason=%s)", req.Stage.ID, toolName, message.StopReason)
}
