// Package anthropic provides a model backend for the Anthropic Claude API.
package anthropic

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/model"
)

// Options configures the Anthropic model adapter (temperature, model id,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Model wraps the Anthropic Messages API behind the generic model.Model interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

var _ model.Model = (*Model)(nil)

// NewModel creates a new Anthropic model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Model{client: &client, opts: opts}
}

// NewModelFromClient creates a new Anthropic model from an existing client.
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Model{client: client, opts: opts}
}

// Complete implements model.Model with a single blocking Messages call.
func (m *Model) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	params := anthropic.MessageNewParams{
		Model:       m.opts.Model,
		Messages:    buildMessages(req.Exchanges),
		MaxTokens:   m.opts.MaxTokens,
		Temperature: anthropic.Float(m.opts.Temperature),
	}

	if system := buildSystem(req.Instructions, req.Exchanges); len(system) > 0 {
		params.System = system
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}

	finishReason := "stop"
	if resp.StopReason != "" {
		finishReason = string(resp.StopReason)
	}

	return &model.Response{
		Text:         text,
		FinishReason: finishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// Ping implements model.Model with a minimal one-token request.
func (m *Model) Ping(ctx context.Context) error {
	params := anthropic.MessageNewParams{
		Model:     m.opts.Model,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
		MaxTokens: 1,
	}

	if _, err := m.client.Messages.New(ctx, params); err != nil {
		return classify(err)
	}
	return nil
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:     string(m.opts.Model),
		Provider: "anthropic",
		Endpoint: "https://api.anthropic.com",
	}
}

// buildMessages converts the exchange history to Anthropic message format.
// System exchanges are handled separately; tool observations become user turns
// since the kernel narrates observations rather than using provider tool calling.
func buildMessages(exchanges []core.Exchange) []anthropic.MessageParam {
	var messages []anthropic.MessageParam

	for _, ex := range exchanges {
		if ex.Text == "" || ex.Role == core.RoleSystem {
			continue
		}

		switch ex.Role {
		case core.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(ex.Text)))
		default:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(ex.Text)))
		}
	}

	return messages
}

// buildSystem collects the instruction preamble plus any system exchanges.
func buildSystem(instructions string, exchanges []core.Exchange) []anthropic.TextBlockParam {
	var blocks []anthropic.TextBlockParam

	if instructions != "" {
		blocks = append(blocks, anthropic.TextBlockParam{Text: instructions})
	}
	for _, ex := range exchanges {
		if ex.Role == core.RoleSystem && ex.Text != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: ex.Text})
		}
	}

	return blocks
}

// classify maps SDK errors into the kernel's failure taxonomy.
func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if classified := model.ClassifyStatus("anthropic", apiErr.StatusCode, err); classified != nil {
			return classified
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewTimeoutError("anthropic request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	return model.NewConnectionError("anthropic request failed", err)
}
