// Package openai provides a model backend using the OpenAI Chat Completions
// API. It adapts the kernel's normalized Request/Response structures into the
// SDK's message format and back.
package openai

import (
	"context"
	"errors"

	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/model"
	"github.com/openai/openai-go"
)

// Options configure the OpenAI model adapter.
// Fields mirror a subset of Chat Completion parameters intentionally kept
// minimal; extend via functional options without breaking callers.
type Options struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Model wraps the OpenAI Chat Completions API behind the generic model.Model interface.
type Model struct {
	client *openai.Client
	opts   Options
}

var _ model.Model = (*Model)(nil)

// NewModel creates a new OpenAI model using the official client.
func NewModel(optFns ...func(o *Options)) *Model {
	client := openai.NewClient()
	return NewModelFromClient(&client, optFns...)
}

// NewModelFromClient creates a new OpenAI model from an existing client.
func NewModelFromClient(client *openai.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.7,
		MaxCompletionTokens: 4096,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Model{client: client, opts: opts}
}

// Complete implements model.Model with a single blocking Chat Completions call.
func (m *Model) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	params := openai.ChatCompletionNewParams{
		Messages:            buildMessages(req),
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, model.NewUpstreamError("openai returned no choices", 502, nil)
	}

	choice := resp.Choices[0]
	finishReason := "stop"
	if choice.FinishReason != "" {
		finishReason = choice.FinishReason
	}

	return &model.Response{
		Text:         choice.Message.Content,
		FinishReason: finishReason,
		Usage: &model.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Ping implements model.Model with a minimal one-token request.
func (m *Model) Ping(ctx context.Context) error {
	params := openai.ChatCompletionNewParams{
		Messages:            []openai.ChatCompletionMessageParamUnion{openai.UserMessage("ping")},
		Model:               m.opts.Model,
		MaxCompletionTokens: openai.Int(1),
	}

	if _, err := m.client.Chat.Completions.New(ctx, params); err != nil {
		return classify(err)
	}
	return nil
}

// Info implements model.Model.
func (m *Model) Info() model.Info {
	return model.Info{
		Name:     m.opts.Model,
		Provider: "openai",
		Endpoint: "https://api.openai.com",
	}
}

// buildMessages converts the instruction preamble plus exchange history into
// OpenAI chat messages. Tool observations become user turns since the kernel
// narrates observations rather than using provider tool calling.
func buildMessages(req model.Request) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion

	if req.Instructions != "" {
		messages = append(messages, openai.SystemMessage(req.Instructions))
	}

	for _, ex := range req.Exchanges {
		if ex.Text == "" {
			continue
		}
		switch ex.Role {
		case core.RoleSystem:
			messages = append(messages, openai.SystemMessage(ex.Text))
		case core.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(ex.Text))
		default:
			messages = append(messages, openai.UserMessage(ex.Text))
		}
	}

	return messages
}

// classify maps SDK errors into the kernel's failure taxonomy.
func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if classified := model.ClassifyStatus("openai", apiErr.StatusCode, err); classified != nil {
			return classified
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewTimeoutError("openai request timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	return model.NewConnectionError("openai request failed", err)
}
