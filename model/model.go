package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/agenthive/core"
)

// Request captures the normalized model input produced by execution units and
// the negotiator: an instruction preamble plus an ordered exchange history.
type Request struct {
	Instructions string          `json:"instructions"`
	Exchanges    []core.Exchange `json:"exchanges"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the completed model output for a request. The kernel issues
// strictly sequential calls, so responses are always final (never partial).
type Response struct {
	Text         string      `json:"text"`
	FinishReason string      `json:"finish_reason"` // "stop", "length", etc.
	Usage        *TokenUsage `json:"usage,omitempty"`
}

// Info contains metadata about a model backend. Endpoint identifies the
// physical service the backend talks to; the availability monitor de-duplicates
// health probes on it.
type Info struct {
	Name     string `json:"name"`
	Provider string `json:"provider"` // "openai", "anthropic", "mock", ...
	Endpoint string `json:"endpoint"`
}

// Model is the backend contract consumed by the kernel. Complete performs one
// blocking generation; Ping is the lightweight health probe used by the
// availability monitor. Failures from either are classified via IsUnavailable.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Ping(ctx context.Context) error
	Info() Info
}

// MockModel is a lightweight in-memory Model useful for tests & examples. It
// returns canned completions keyed on the text of the last exchange.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	responses map[string]string
	pingErr   error
	calls     int
	pings     int
}

// NewMockModel constructs a MockModel.
func NewMockModel(name string) *MockModel {
	return &MockModel{
		info:      Info{Name: name, Provider: "mock", Endpoint: "mock://" + name},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// SetEndpoint overrides the reported endpoint (used to exercise probe de-duplication).
func (m *MockModel) SetEndpoint(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.info.Endpoint = endpoint
}

// SetPingError makes subsequent Ping calls fail with err (nil restores health).
func (m *MockModel) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// Calls returns the number of Complete invocations so far.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Pings returns the number of Ping invocations so far.
func (m *MockModel) Pings() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pings
}

// Complete implements Model.
func (m *MockModel) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	var input string
	if len(req.Exchanges) > 0 {
		input = req.Exchanges[len(req.Exchanges)-1].Text
	}

	text, ok := m.responses[input]
	if !ok {
		text = fmt.Sprintf("Mock response to: %s", input)
	}

	return &Response{Text: text, FinishReason: "stop"}, nil
}

// Ping implements Model.
func (m *MockModel) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pings++
	return m.pingErr
}

// Info implements Model.
func (m *MockModel) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

// ScriptedModel replays a fixed sequence of responses (or errors) in order,
// recording every request it receives. It drives the deterministic negotiation
// and loop tests.
type ScriptedModel struct {
	mu       sync.Mutex
	info     Info
	script   []ScriptStep
	pos      int
	requests []Request
}

// ScriptStep is one scripted turn: either a response text or an error.
type ScriptStep struct {
	Text string
	Err  error
}

// NewScriptedModel constructs a ScriptedModel from the given steps. Once the
// script is exhausted, further calls repeat the final step.
func NewScriptedModel(name string, steps ...ScriptStep) *ScriptedModel {
	return &ScriptedModel{
		info:   Info{Name: name, Provider: "mock", Endpoint: "mock://" + name},
		script: steps,
	}
}

// Append adds steps to the end of the script.
func (m *ScriptedModel) Append(steps ...ScriptStep) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, steps...)
}

// Requests returns a copy of every request received so far.
func (m *ScriptedModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns the number of Complete invocations so far.
func (m *ScriptedModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Complete implements Model.
func (m *ScriptedModel) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if len(m.script) == 0 {
		return nil, fmt.Errorf("scripted model %s: empty script", m.info.Name)
	}

	step := m.script[m.pos]
	if m.pos < len(m.script)-1 {
		m.pos++
	}

	if step.Err != nil {
		return nil, step.Err
	}
	return &Response{Text: step.Text, FinishReason: "stop"}, nil
}

// Ping implements Model.
func (m *ScriptedModel) Ping(ctx context.Context) error { return ctx.Err() }

// Info implements Model.
func (m *ScriptedModel) Info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}
