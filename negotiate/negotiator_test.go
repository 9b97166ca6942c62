package negotiate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agenthive/capability"
	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/logging"
	"github.com/hupe1980/agenthive/model"
)

func testCallCtx() *capability.Context {
	return &capability.Context{
		Context:   context.Background(),
		AgentName: "tester",
		Logger:    logging.NoOpLogger{},
	}
}

func searchTable() map[string]*capability.Capability {
	return map[string]*capability.Capability{
		"search": {
			Name:        "search",
			Description: "Search the web.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []string{"query"},
			},
		},
	}
}

func TestNegotiateFirstRound(t *testing.T) {
	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: `{"query": "weather in berlin"}`},
	)
	n := New(llm)

	call, err := n.Negotiate(testCallCtx(), "find the weather", "search", searchTable())
	require.NoError(t, err)

	assert.Equal(t, "search", call.Capability)
	assert.Equal(t, "weather in berlin", call.Args["query"])
	assert.Equal(t, 1, llm.Calls())
}

func TestNegotiateClarificationRound(t *testing.T) {
	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: "I would search for something"},
		model.ScriptStep{Text: `{"query": "weather"}`},
	)
	n := New(llm)

	call, err := n.Negotiate(testCallCtx(), "find the weather", "search", searchTable())
	require.NoError(t, err)

	assert.Equal(t, "weather", call.Args["query"])
	assert.Equal(t, 2, llm.Calls())

	// The clarification round names the missing field and carries the
	// previous reply, not the whole task history.
	reqs := llm.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Exchanges, 1)
	assert.Contains(t, reqs[1].Exchanges[0].Text, "query")
	assert.Contains(t, reqs[1].Exchanges[0].Text, "I would search for something")
}

func TestNegotiateMergesArgsAcrossRounds(t *testing.T) {
	table := map[string]*capability.Capability{
		"copy": {
			Name: "copy",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"src": map[string]any{"type": "string"},
					"dst": map[string]any{"type": "string"},
				},
				"required": []string{"src", "dst"},
			},
		},
	}

	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: `{"src": "/tmp/a"}`},
		model.ScriptStep{Text: `{"dst": "/tmp/b"}`},
	)
	n := New(llm)

	call, err := n.Negotiate(testCallCtx(), "copy the file", "copy", table)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/a", call.Args["src"])
	assert.Equal(t, "/tmp/b", call.Args["dst"])
}

func TestNegotiateExhausted(t *testing.T) {
	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: "I am not sure what you mean"},
	)
	n := New(llm)

	_, err := n.Negotiate(testCallCtx(), "find the weather", "search", searchTable())

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, DefaultMaxRounds, exhausted.Rounds)
	assert.Equal(t, DefaultMaxRounds, llm.Calls())
	assert.Equal(t, "I am not sure what you mean", exhausted.LastReply)
	assert.Equal(t, []string{"query"}, exhausted.Missing)
}

func TestNegotiateCustomRoundLimit(t *testing.T) {
	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: "nope"},
	)
	n := New(llm, func(o *Options) { o.MaxRounds = 2 })

	_, err := n.Negotiate(testCallCtx(), "find the weather", "search", searchTable())

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Rounds)
	assert.Equal(t, 2, llm.Calls())
}

func TestNegotiateUnknownCandidate(t *testing.T) {
	t.Run("re-selection succeeds", func(t *testing.T) {
		llm := model.NewScriptedModel("m",
			model.ScriptStep{Text: `{"capability": "search"}`},
			model.ScriptStep{Text: `{"query": "weather"}`},
		)
		n := New(llm)

		call, err := n.Negotiate(testCallCtx(), "find the weather", "serch", searchTable())
		require.NoError(t, err)
		assert.Equal(t, "search", call.Capability)
		assert.Equal(t, 2, llm.Calls())
	})

	t.Run("name mentioned in prose", func(t *testing.T) {
		llm := model.NewScriptedModel("m",
			model.ScriptStep{Text: "you probably want the search capability"},
			model.ScriptStep{Text: `{"query": "weather"}`},
		)
		n := New(llm)

		call, err := n.Negotiate(testCallCtx(), "find the weather", "serch", searchTable())
		require.NoError(t, err)
		assert.Equal(t, "search", call.Capability)
	})

	t.Run("never resolves", func(t *testing.T) {
		llm := model.NewScriptedModel("m",
			model.ScriptStep{Text: "no idea"},
		)
		n := New(llm)

		_, err := n.Negotiate(testCallCtx(), "find the weather", "serch", searchTable())

		var exhausted *ExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, []string{"capability"}, exhausted.Missing)
	})
}

func TestNegotiateGatedBySignal(t *testing.T) {
	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: `{"query": "weather in berlin"}`},
	)
	signal := core.NewAvailabilitySignal(false)
	n := New(llm, func(o *Options) { o.Signal = signal })

	calls := make(chan *ValidatedCall, 1)
	go func() {
		call, err := n.Negotiate(testCallCtx(), "find the weather", "search", searchTable())
		require.NoError(t, err)
		calls <- call
	}()

	// While the signal is down, no clarification round may be issued.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, llm.Calls())

	signal.Set(true, time.Now().UTC())

	select {
	case call := <-calls:
		assert.Equal(t, "search", call.Capability)
	case <-time.After(2 * time.Second):
		t.Fatal("negotiation not released after the signal recovered")
	}
	assert.Equal(t, 1, llm.Calls())
}

func TestNegotiateModelError(t *testing.T) {
	llm := model.NewScriptedModel("m",
		model.ScriptStep{Err: model.NewConnectionError("backend gone", nil)},
	)
	n := New(llm)

	_, err := n.Negotiate(testCallCtx(), "find the weather", "search", searchTable())
	require.Error(t, err)

	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted), "transport errors are not exhaustion")
}
