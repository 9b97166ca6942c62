package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agenthive/capability"
	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/mailbox"
	"github.com/hupe1980/agenthive/model"
)

func echoCapability() *capability.Capability {
	return &capability.Capability{
		Name:        "echo",
		Description: "Echo the given text.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
		Func: func(callCtx *capability.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return "echo: " + text, nil
		},
	}
}

func workingTexts(u *ExecutionUnit) []string {
	state := u.State()
	out := make([]string, len(state.Working))
	for i, ex := range state.Working {
		out[i] = ex.Text
	}
	return out
}

func containsSubstring(texts []string, sub string) bool {
	for _, text := range texts {
		if strings.Contains(text, sub) {
			return true
		}
	}
	return false
}

func TestUnitCompletesOnDone(t *testing.T) {
	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: "done: all finished"},
	)
	a := New("worker", llm)

	unit := a.NewUnit("finish the thing")
	result, err := unit.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "all finished", result)
	assert.Equal(t, PhaseCompleted, unit.Phase())
	assert.Equal(t, 1, llm.Calls())
}

func TestUnitAvailabilityGate(t *testing.T) {
	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: "done: ok"},
	)
	signal := core.NewAvailabilitySignal(false)
	a := New("worker", llm, func(o *Options) { o.Signal = signal })

	unit := a.NewUnit("do something")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = unit.Run(context.Background())
	}()

	// While the signal is down, no model call may be consumed.
	assert.Eventually(t, func() bool { return unit.Phase() == PhaseAwaitingAvailability },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, llm.Calls())

	signal.Set(true, time.Now().UTC())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unit not released after the signal recovered")
	}
	assert.Equal(t, PhaseCompleted, unit.Phase())
	assert.Equal(t, 1, llm.Calls())
}

func TestUnitCapabilityCall(t *testing.T) {
	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: "call echo: say hello"},
		model.ScriptStep{Text: `{"text": "hello"}`},
		model.ScriptStep{Text: "done: finished"},
	)
	a := New("worker", llm, func(o *Options) {
		o.Capabilities = []*capability.Capability{echoCapability()}
	})

	unit := a.NewUnit("greet")
	result, err := unit.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "finished", result)
	assert.True(t, containsSubstring(workingTexts(unit), "echo: hello"),
		"capability output must land in the working history")
}

func TestUnitCapabilityErrorBecomesObservation(t *testing.T) {
	boom := &capability.Capability{
		Name:        "boom",
		Description: "Always fails.",
		Func: func(callCtx *capability.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("kaput")
		},
	}

	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: "call boom: try it"},
		model.ScriptStep{Text: `{}`},
		model.ScriptStep{Text: "done: recovered"},
	)
	a := New("worker", llm, func(o *Options) {
		o.Capabilities = []*capability.Capability{boom}
	})

	unit := a.NewUnit("survive a failure")
	result, err := unit.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, PhaseCompleted, unit.Phase())
	assert.True(t, containsSubstring(workingTexts(unit), "capability boom failed"))
}

func TestUnitNegotiationExhaustionIsFatal(t *testing.T) {
	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: "call echo: say something"},
		model.ScriptStep{Text: "gibberish without arguments"},
	)
	a := New("worker", llm, func(o *Options) {
		o.Capabilities = []*capability.Capability{echoCapability()}
	})

	unit := a.NewUnit("greet")
	_, err := unit.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, PhaseFailed, unit.Phase())
	assert.Contains(t, unit.Failure(), "exhausted")
	assert.Contains(t, unit.Failure(), "gibberish without arguments",
		"the failure must carry the last clarification reply")
}

func TestUnitLoopLimit(t *testing.T) {
	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: "thinking out loud without a directive"},
	)
	a := New("worker", llm)

	unit := a.NewUnit("never finishes", func(o *UnitOptions) { o.MaxLoops = 3 })
	_, err := unit.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, PhaseFailed, unit.Phase())
	assert.Contains(t, unit.Failure(), "loop limit")
	assert.Equal(t, 3, llm.Calls())
}

func TestUnitModelUnavailabilitySuspends(t *testing.T) {
	t.Run("retries do not consume the loop budget", func(t *testing.T) {
		llm := model.NewScriptedModel("m",
			model.ScriptStep{Err: model.NewConnectionError("backend unreachable", nil)},
			model.ScriptStep{Err: model.NewConnectionError("backend unreachable", nil)},
			model.ScriptStep{Text: "done: back online"},
		)
		a := New("worker", llm)

		unit := a.NewUnit("survive an outage", func(o *UnitOptions) {
			o.MaxLoops = 1
			o.RetryBackoff = time.Millisecond
		})
		result, err := unit.Run(context.Background())

		require.NoError(t, err)
		assert.Equal(t, "back online", result)
		assert.Equal(t, PhaseCompleted, unit.Phase())
		assert.Equal(t, 3, llm.Calls())
		assert.Equal(t, 1, unit.State().Loop)

		// An outage is a delay, not something the model gets to see.
		assert.False(t, containsSubstring(workingTexts(unit), "model call failed"))
	})

	t.Run("suspends instead of failing during an outage", func(t *testing.T) {
		llm := model.NewScriptedModel("m",
			model.ScriptStep{Err: model.NewConnectionError("backend unreachable", nil)},
		)
		a := New("worker", llm)

		unit := a.NewUnit("blocked by an outage", func(o *UnitOptions) {
			o.RetryBackoff = time.Minute
		})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		errs := make(chan error, 1)
		go func() {
			_, runErr := unit.Run(ctx)
			errs <- runErr
		}()

		assert.Eventually(t, func() bool { return unit.Phase() == PhaseAwaitingAvailability },
			2*time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, llm.Calls())

		cancel()
		select {
		case runErr := <-errs:
			assert.ErrorIs(t, runErr, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("suspended unit not unblocked by cancellation")
		}
		assert.Equal(t, PhaseCancelled, unit.Phase())
	})
}

func TestUnitModelErrorRetryBackoff(t *testing.T) {
	llm := model.NewScriptedModel("m",
		model.ScriptStep{Err: fmt.Errorf("malformed response")},
		model.ScriptStep{Text: "done: ok"},
	)
	a := New("worker", llm)

	unit := a.NewUnit("retry after a glitch", func(o *UnitOptions) {
		o.RetryBackoff = 50 * time.Millisecond
	})
	start := time.Now()
	result, err := unit.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond,
		"error retries must be spaced by the backoff")
	assert.Equal(t, 2, llm.Calls())
	assert.Equal(t, 2, unit.State().Loop)
	assert.True(t, containsSubstring(workingTexts(unit), "model call failed: malformed response"))
}

func TestUnitMailboxSuspension(t *testing.T) {
	router := mailbox.NewRouter()
	_, err := router.Register("bob")
	require.NoError(t, err)

	waitCap := &capability.Capability{
		Name:        "wait_for_reply",
		Description: "Wait for an incoming message.",
		Func: func(callCtx *capability.Context, args map[string]any) (string, error) {
			return "", &capability.AwaitReplyError{Detail: "mailbox empty"}
		},
	}

	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: "call wait_for_reply: wait for instructions"},
		model.ScriptStep{Text: `{}`},
		model.ScriptStep{Text: "done: got it"},
	)
	a := New("bob", llm, func(o *Options) {
		o.Capabilities = []*capability.Capability{waitCap}
		o.Router = router
	})

	unit := a.NewUnit("wait for a message")

	results := make(chan string, 1)
	go func() {
		result, runErr := unit.Run(context.Background())
		require.NoError(t, runErr)
		results <- result
	}()

	assert.Eventually(t, func() bool { return unit.Phase() == PhaseAwaitingMailbox },
		2*time.Second, 5*time.Millisecond)

	require.NoError(t, router.Send(core.NewMessage("alice", "bob", "", "please proceed")))

	select {
	case result := <-results:
		assert.Equal(t, "got it", result)
	case <-time.After(2 * time.Second):
		t.Fatal("unit not resumed by message delivery")
	}

	assert.True(t, containsSubstring(workingTexts(unit), "message from alice: please proceed"))

	// The delivered message is consumed as read but stays in history.
	unread, err := router.Receive("bob")
	require.NoError(t, err)
	assert.Empty(t, unread)
	box, ok := router.Mailbox("bob")
	require.True(t, ok)
	assert.Len(t, box.History(), 1)
}

func TestUnitSpawn(t *testing.T) {
	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: "spawn: handle the subtask"},
		model.ScriptStep{Text: "done: sub done"},
		model.ScriptStep{Text: "done: parent done"},
	)
	a := New("worker", llm)

	unit := a.NewUnit("split the work", func(o *UnitOptions) {
		o.Attrs = map[string]string{"workspace": "/tmp/ws", "secret": "hidden"}
	})
	result, err := unit.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "parent done", result)

	children := unit.Children()
	require.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, PhaseCompleted, child.Phase())
	assert.Equal(t, "sub done", child.Result())
	assert.Equal(t, "handle the subtask", child.Task())

	// Only whitelisted attributes are inherited.
	childState := child.State()
	assert.Equal(t, "/tmp/ws", childState.Attrs["workspace"])
	assert.NotContains(t, childState.Attrs, "secret")
	assert.Equal(t, unit.ID(), childState.ParentID)

	assert.True(t, containsSubstring(workingTexts(unit), "subtask completed: sub done"))
}

func TestUnitCancellation(t *testing.T) {
	t.Run("context cancellation while gated", func(t *testing.T) {
		llm := model.NewScriptedModel("m", model.ScriptStep{Text: "done: ok"})
		signal := core.NewAvailabilitySignal(false)
		a := New("worker", llm, func(o *Options) { o.Signal = signal })

		unit := a.NewUnit("blocked work")
		ctx, cancel := context.WithCancel(context.Background())

		errs := make(chan error, 1)
		go func() {
			_, runErr := unit.Run(ctx)
			errs <- runErr
		}()

		assert.Eventually(t, func() bool { return unit.Phase() == PhaseAwaitingAvailability },
			2*time.Second, 5*time.Millisecond)
		cancel()

		select {
		case runErr := <-errs:
			assert.ErrorIs(t, runErr, context.Canceled)
		case <-time.After(2 * time.Second):
			t.Fatal("unit not unblocked by cancellation")
		}
		assert.Equal(t, PhaseCancelled, unit.Phase())
		assert.Equal(t, 0, llm.Calls())
	})

	t.Run("cooperative cancel before run", func(t *testing.T) {
		llm := model.NewScriptedModel("m", model.ScriptStep{Text: "done: ok"})
		a := New("worker", llm)

		unit := a.NewUnit("cancelled work")
		unit.Cancel()

		_, err := unit.Run(context.Background())
		assert.ErrorIs(t, err, ErrCancelled)
		assert.Equal(t, PhaseCancelled, unit.Phase())
		assert.Equal(t, 0, llm.Calls())
	})
}

func TestUnitStateRoundTrip(t *testing.T) {
	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: "spawn: child work"},
		model.ScriptStep{Text: "done: child result"},
		model.ScriptStep{Text: "done: parent result"},
	)
	a := New("worker", llm)

	unit := a.NewUnit("round trip", func(o *UnitOptions) {
		o.Attrs = map[string]string{"workspace": "/tmp/ws"}
	})
	_, err := unit.Run(context.Background())
	require.NoError(t, err)

	state := unit.State()

	data, err := json.Marshal(state)
	require.NoError(t, err)
	var decoded UnitState
	require.NoError(t, json.Unmarshal(data, &decoded))

	restored := RestoreUnit(a, decoded)
	restoredData, err := json.Marshal(restored.State())
	require.NoError(t, err)
	assert.JSONEq(t, string(data), string(restoredData))
}

func TestUnitRestoreReArmsMailboxWait(t *testing.T) {
	router := mailbox.NewRouter()
	_, err := router.Register("bob")
	require.NoError(t, err)

	llm := model.NewScriptedModel("m",
		model.ScriptStep{Text: "done: resumed"},
	)
	a := New("bob", llm, func(o *Options) { o.Router = router })

	state := UnitState{
		ID:        core.NewID(),
		AgentName: "bob",
		Phase:     PhaseAwaitingMailbox,
		Loop:      1,
		MaxLoops:  DefaultMaxLoops,
		Task:      "wait for a message",
		Working: []core.Exchange{
			core.NewExchange(core.RoleAssistant, "call wait_for_reply: wait"),
		},
	}
	unit := RestoreUnit(a, state)

	results := make(chan string, 1)
	go func() {
		result, runErr := unit.Run(context.Background())
		require.NoError(t, runErr)
		results <- result
	}()

	// The restored unit re-evaluates the mailbox instead of assuming a
	// message is pending; it must block until one actually arrives.
	assert.Eventually(t, func() bool { return unit.Phase() == PhaseAwaitingMailbox },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, llm.Calls())

	require.NoError(t, router.Send(core.NewMessage("alice", "bob", "", "carry on")))

	select {
	case result := <-results:
		assert.Equal(t, "resumed", result)
	case <-time.After(2 * time.Second):
		t.Fatal("restored unit not resumed by message delivery")
	}
	assert.True(t, containsSubstring(workingTexts(unit), "carry on"))
}

func TestUnitRestoreTerminalPhases(t *testing.T) {
	llm := model.NewScriptedModel("m", model.ScriptStep{Text: "unused"})
	a := New("worker", llm)

	t.Run("completed", func(t *testing.T) {
		unit := RestoreUnit(a, UnitState{
			ID: core.NewID(), AgentName: "worker", Phase: PhaseCompleted, Result: "earlier result",
		})
		result, err := unit.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "earlier result", result)
	})

	t.Run("failed", func(t *testing.T) {
		unit := RestoreUnit(a, UnitState{
			ID: core.NewID(), AgentName: "worker", Phase: PhaseFailed, Failure: "earlier failure",
		})
		_, err := unit.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "earlier failure")
	})

	t.Run("cancelled", func(t *testing.T) {
		unit := RestoreUnit(a, UnitState{
			ID: core.NewID(), AgentName: "worker", Phase: PhaseCancelled,
		})
		_, err := unit.Run(context.Background())
		assert.ErrorIs(t, err, ErrCancelled)
	})

	assert.Equal(t, 0, llm.Calls())
}

func TestParseDirective(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		kind    directiveKind
		capName string
		payload string
	}{
		{"done", "done: finished everything", directiveDone, "", "finished everything"},
		{"done uppercase", "Done: finished", directiveDone, "", "finished"},
		{"call", "call search: find the weather", directiveCall, "search", "find the weather"},
		{"spawn", "spawn: handle subtask", directiveSpawn, "", "handle subtask"},
		{"directive after prose", "Let me think.\ncall echo: hello", directiveCall, "echo", "hello"},
		{"call without colon", "call search find", directiveNone, "", ""},
		{"no directive", "just some musings", directiveNone, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := parseDirective(tt.text)
			assert.Equal(t, tt.kind, d.kind)
			assert.Equal(t, tt.capName, d.name)
			assert.Equal(t, tt.payload, d.payload)
		})
	}
}
