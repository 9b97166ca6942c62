package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agenthive/capability"
	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/model"
	"github.com/hupe1980/agenthive/negotiate"
)

// Phase is the observable state of an execution unit. Waiting phases are
// re-armed on restore: the unit re-evaluates the awaited condition instead of
// assuming it still holds.
type Phase string

const (
	PhaseRunning              Phase = "running"
	PhaseAwaitingAvailability Phase = "awaiting_availability"
	PhaseAwaitingModel        Phase = "awaiting_model"
	PhaseAwaitingNegotiation  Phase = "awaiting_negotiation"
	PhaseAwaitingCapability   Phase = "awaiting_capability"
	PhaseAwaitingMailbox      Phase = "awaiting_mailbox"
	PhaseCompleted            Phase = "completed"
	PhaseFailed               Phase = "failed"
	PhaseCancelled            Phase = "cancelled"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// DefaultMaxLoops bounds the think-act cycle of one unit.
const DefaultMaxLoops = 20

// DefaultRetryBackoff spaces retries after a failed model call.
const DefaultRetryBackoff = 2 * time.Second

// ErrCancelled is returned by Run when the unit was cooperatively cancelled.
var ErrCancelled = errors.New("execution unit cancelled")

// inheritedAttrs lists the contextual attributes a child unit receives from
// its parent. Everything else stays with the parent.
var inheritedAttrs = []string{"workspace"}

// UnitState is the serializable form of an execution unit, nested through its
// children. It round-trips through JSON unchanged.
type UnitState struct {
	ID            string            `json:"id"`
	AgentName     string            `json:"agent_name"`
	ParentID      string            `json:"parent_id,omitempty"`
	Phase         Phase             `json:"phase"`
	Loop          int               `json:"loop"`
	MaxLoops      int               `json:"max_loops"`
	Task          string            `json:"task"`
	Working       []core.Exchange   `json:"working,omitempty"`
	Attrs         map[string]string `json:"attrs,omitempty"`
	Result        string            `json:"result,omitempty"`
	Failure       string            `json:"failure,omitempty"`
	AwaitCorrelID string            `json:"await_correlation_id,omitempty"`
	Children      []UnitState       `json:"children,omitempty"`
}

// ExecutionUnit is one run of a task. It alternates model calls with
// capability executions, spawns child units for decomposed subtasks, and
// suspends on the availability signal or its agent's mailbox.
type ExecutionUnit struct {
	id           string
	agent        *Agent
	parentID     string
	task         string
	maxLoops     int
	retryBackoff time.Duration

	cancelled atomic.Bool

	mu            sync.Mutex
	phase         Phase
	loop          int
	working       []core.Exchange
	attrs         map[string]string
	result        string
	failure       string
	awaitCorrelID string
	children      []*ExecutionUnit
}

// UnitOptions configures an ExecutionUnit.
type UnitOptions struct {
	// MaxLoops bounds the think-act cycle. Defaults to DefaultMaxLoops.
	MaxLoops int
	// RetryBackoff spaces retries after failed model calls. Defaults to
	// DefaultRetryBackoff.
	RetryBackoff time.Duration
	// Attrs seeds the unit's contextual attribute map.
	Attrs map[string]string
}

// NewUnit creates a fresh execution unit for task.
func (a *Agent) NewUnit(task string, optFns ...func(o *UnitOptions)) *ExecutionUnit {
	opts := UnitOptions{MaxLoops: DefaultMaxLoops, RetryBackoff: DefaultRetryBackoff}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxLoops <= 0 {
		opts.MaxLoops = DefaultMaxLoops
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}

	attrs := map[string]string{}
	for k, v := range opts.Attrs {
		attrs[k] = v
	}

	return &ExecutionUnit{
		id:           core.NewID(),
		agent:        a,
		task:         task,
		maxLoops:     opts.MaxLoops,
		retryBackoff: opts.RetryBackoff,
		phase:        PhaseRunning,
		attrs:        attrs,
	}
}

// RestoreUnit rebuilds a unit (and its children) from snapshot state. Waiting
// phases are kept as recorded; Run re-evaluates the awaited condition before
// proceeding.
func RestoreUnit(a *Agent, state UnitState) *ExecutionUnit {
	u := &ExecutionUnit{
		id:            state.ID,
		agent:         a,
		parentID:      state.ParentID,
		task:          state.Task,
		maxLoops:      state.MaxLoops,
		retryBackoff:  DefaultRetryBackoff,
		phase:         state.Phase,
		loop:          state.Loop,
		working:       append([]core.Exchange(nil), state.Working...),
		result:        state.Result,
		failure:       state.Failure,
		awaitCorrelID: state.AwaitCorrelID,
		attrs:         map[string]string{},
	}
	if u.maxLoops <= 0 {
		u.maxLoops = DefaultMaxLoops
	}
	for k, v := range state.Attrs {
		u.attrs[k] = v
	}
	if state.Phase == PhaseCancelled {
		u.cancelled.Store(true)
	}
	for _, childState := range state.Children {
		u.children = append(u.children, RestoreUnit(a, childState))
	}
	return u
}

// ID returns the unit's identifier.
func (u *ExecutionUnit) ID() string { return u.id }

// Agent returns the owning agent.
func (u *ExecutionUnit) Agent() *Agent { return u.agent }

// Task returns the unit's task text.
func (u *ExecutionUnit) Task() string { return u.task }

// Phase returns the unit's current phase.
func (u *ExecutionUnit) Phase() Phase {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.phase
}

// Result returns the final result text once the unit completed.
func (u *ExecutionUnit) Result() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.result
}

// Failure returns the failure description once the unit failed.
func (u *ExecutionUnit) Failure() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.failure
}

// Children returns the unit's spawned children, oldest first.
func (u *ExecutionUnit) Children() []*ExecutionUnit {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]*ExecutionUnit(nil), u.children...)
}

// Cancel requests cooperative cancellation of the unit and all of its
// children. A running unit notices at its next phase boundary; blocked waits
// are interrupted through the context passed to Run.
func (u *ExecutionUnit) Cancel() {
	u.cancelled.Store(true)
	u.mu.Lock()
	children := append([]*ExecutionUnit(nil), u.children...)
	u.mu.Unlock()
	for _, child := range children {
		child.Cancel()
	}
}

// State captures the unit tree as a serializable snapshot.
func (u *ExecutionUnit) State() UnitState {
	u.mu.Lock()
	defer u.mu.Unlock()

	state := UnitState{
		ID:            u.id,
		AgentName:     u.agent.Name(),
		ParentID:      u.parentID,
		Phase:         u.phase,
		Loop:          u.loop,
		MaxLoops:      u.maxLoops,
		Task:          u.task,
		Working:       append([]core.Exchange(nil), u.working...),
		Result:        u.result,
		Failure:       u.failure,
		AwaitCorrelID: u.awaitCorrelID,
	}
	if len(u.attrs) > 0 {
		state.Attrs = map[string]string{}
		for k, v := range u.attrs {
			state.Attrs[k] = v
		}
	}
	for _, child := range u.children {
		state.Children = append(state.Children, child.State())
	}
	return state
}

// Run drives the unit to a terminal phase and returns its result. A unit that
// was suspended when snapshotted first re-evaluates the condition it was
// waiting on, then continues its loop.
func (u *ExecutionUnit) Run(ctx context.Context) (string, error) {
	u.mu.Lock()
	switch {
	case u.phase.Terminal():
		phase, result, failure := u.phase, u.result, u.failure
		u.mu.Unlock()
		switch phase {
		case PhaseCompleted:
			return result, nil
		case PhaseCancelled:
			return "", ErrCancelled
		default:
			return "", fmt.Errorf("execution unit failed: %s", failure)
		}
	case u.phase == PhaseAwaitingMailbox:
		// Re-arm the mailbox suspension captured by the snapshot.
		correlID := u.awaitCorrelID
		u.mu.Unlock()
		if err := u.resumeFromMailbox(ctx, correlID); err != nil {
			return "", u.interrupted(ctx, err)
		}
	default:
		u.phase = PhaseRunning
		u.mu.Unlock()
	}

	for {
		if u.cancelled.Load() || ctx.Err() != nil {
			return "", u.interrupted(ctx, ctx.Err())
		}

		if u.loopCount() >= u.maxLoops {
			return "", u.fail(fmt.Sprintf("loop limit of %d reached without completion", u.maxLoops))
		}

		// Availability gate. A false signal blocks here without consuming a
		// model call; the monitor's flip wakes every gated unit.
		if !u.agent.signal.IsAvailable() {
			u.setPhase(PhaseAwaitingAvailability)
			u.agent.logger.Debug("unit.gate.blocked", "unit_id", u.id, "agent", u.agent.Name())
			if err := u.agent.signal.AwaitAvailable(ctx, 0); err != nil {
				return "", u.interrupted(ctx, err)
			}
		}
		if u.cancelled.Load() {
			return "", u.interrupted(ctx, nil)
		}

		u.bumpLoop()
		u.setPhase(PhaseAwaitingModel)
		resp, err := u.agent.llm.Complete(ctx, u.request())
		if err != nil {
			if ctx.Err() != nil {
				return "", u.interrupted(ctx, ctx.Err())
			}
			if model.IsUnavailable(err) {
				// An unreachable backend is a delay, not progress: hand the
				// loop iteration back and suspend until the signal recovers,
				// or a backoff elapses when the monitor has not noticed yet.
				u.unbumpLoop()
				u.setPhase(PhaseAwaitingAvailability)
				u.agent.logger.Warn("unit.model.unavailable",
					"unit_id", u.id, "agent", u.agent.Name(), "error", err.Error())
				if werr := u.awaitRecovery(ctx); werr != nil {
					return "", u.interrupted(ctx, werr)
				}
				continue
			}
			// Other backend trouble is recorded and retried after a short
			// backoff; the error stays visible to the model as an observation.
			u.observe(fmt.Sprintf("model call failed: %v", err))
			u.agent.logger.Warn("unit.model.error", "unit_id", u.id, "error", err.Error())
			if werr := u.pause(ctx); werr != nil {
				return "", u.interrupted(ctx, werr)
			}
			continue
		}

		u.setPhase(PhaseRunning)
		u.record(core.NewExchange(core.RoleAssistant, resp.Text))

		d := parseDirective(resp.Text)
		switch d.kind {
		case directiveDone:
			return u.complete(d.payload), nil

		case directiveSpawn:
			if err := u.runChild(ctx, d.payload); err != nil {
				return "", err
			}

		case directiveCall:
			if err := u.runCall(ctx, d.name, d.payload); err != nil {
				return "", err
			}

		default:
			// Free-form thinking; nudge the model back onto the protocol.
			u.observe("no directive recognized; reply with done:, call <capability>:, or spawn:")
		}
	}
}

// runChild spawns a child unit for the subtask and blocks until it reaches a
// terminal phase. The child's outcome becomes the parent's observation.
func (u *ExecutionUnit) runChild(ctx context.Context, subtask string) error {
	childAttrs := map[string]string{}
	u.mu.Lock()
	for _, key := range inheritedAttrs {
		if v, ok := u.attrs[key]; ok {
			childAttrs[key] = v
		}
	}
	u.mu.Unlock()

	child := u.agent.NewUnit(subtask, func(o *UnitOptions) {
		o.MaxLoops = u.maxLoops
		o.RetryBackoff = u.retryBackoff
		o.Attrs = childAttrs
	})
	child.parentID = u.id

	u.mu.Lock()
	u.children = append(u.children, child)
	u.mu.Unlock()

	u.agent.logger.Info("unit.spawn",
		"unit_id", u.id, "child_id", child.ID(), "agent", u.agent.Name())

	result, err := child.Run(ctx)
	switch {
	case err == nil:
		u.observe(fmt.Sprintf("subtask completed: %s", result))
	case errors.Is(err, ErrCancelled):
		return u.interrupted(ctx, err)
	case ctx.Err() != nil:
		return u.interrupted(ctx, ctx.Err())
	default:
		u.observe(fmt.Sprintf("subtask failed: %v", err))
	}
	return nil
}

// runCall negotiates and executes one capability invocation.
func (u *ExecutionUnit) runCall(ctx context.Context, name, intent string) error {
	u.setPhase(PhaseAwaitingNegotiation)
	call, err := u.agent.negotiator.Negotiate(u.callContext(ctx), intent, name, u.agent.Capabilities())
	if err != nil {
		var exhausted *negotiate.ExhaustedError
		if errors.As(err, &exhausted) {
			// Carry the final clarification state into the failure record.
			return u.fail(fmt.Sprintf(
				"negotiation for %q exhausted after %d rounds; last reply: %s",
				exhausted.Capability, exhausted.Rounds, exhausted.LastReply))
		}
		if ctx.Err() != nil {
			return u.interrupted(ctx, ctx.Err())
		}
		u.observe(fmt.Sprintf("negotiation error: %v", err))
		return nil
	}

	target, ok := u.agent.Capability(call.Capability)
	if !ok {
		u.observe(fmt.Sprintf("capability %q is not available", call.Capability))
		return nil
	}

	u.setPhase(PhaseAwaitingCapability)
	u.agent.logger.Info("unit.capability.invoke",
		"unit_id", u.id, "capability", target.Name)

	out, err := target.Func(u.callContext(ctx), call.Args)
	switch {
	case err == nil:
		u.observe(out)
	default:
		var await *capability.AwaitReplyError
		if errors.As(err, &await) {
			if err := u.resumeFromMailbox(ctx, await.CorrelationID); err != nil {
				return u.interrupted(ctx, err)
			}
			return nil
		}
		if ctx.Err() != nil {
			return u.interrupted(ctx, ctx.Err())
		}
		// Capability failures feed back as observations, not unit failures.
		u.observe(fmt.Sprintf("capability %s failed: %v", target.Name, err))
	}
	return nil
}

// resumeFromMailbox suspends the unit until a matching message arrives, marks
// the delivered messages read and folds them into an observation.
func (u *ExecutionUnit) resumeFromMailbox(ctx context.Context, correlID string) error {
	router := u.agent.router
	if router == nil {
		u.observe("awaiting reply, but no message router is attached")
		return nil
	}

	u.mu.Lock()
	u.phase = PhaseAwaitingMailbox
	u.awaitCorrelID = correlID
	u.mu.Unlock()

	u.agent.logger.Debug("unit.mailbox.suspend",
		"unit_id", u.id, "agent", u.agent.Name(), "correlation_id", correlID)

	for {
		matched, err := u.matchingUnread(correlID)
		if err != nil {
			return err
		}
		if len(matched) > 0 {
			ids := make([]string, len(matched))
			lines := make([]string, len(matched))
			for i, msg := range matched {
				ids[i] = msg.ID
				lines[i] = fmt.Sprintf("message from %s: %s", msg.Sender, msg.Body)
			}
			if err := router.MarkRead(u.agent.Name(), ids); err != nil {
				return err
			}

			u.mu.Lock()
			u.awaitCorrelID = ""
			u.mu.Unlock()
			u.observe(strings.Join(lines, "\n"))
			u.setPhase(PhaseRunning)
			return nil
		}

		ch := router.AwaitMessage(u.agent.Name())

		// A message may have landed between the check above and registering
		// the waiter; re-check before blocking.
		matched, err = u.matchingUnread(correlID)
		if err != nil {
			router.CancelWait(u.agent.Name(), ch)
			return err
		}
		if len(matched) > 0 {
			router.CancelWait(u.agent.Name(), ch)
			continue
		}

		select {
		case <-ctx.Done():
			router.CancelWait(u.agent.Name(), ch)
			return ctx.Err()
		case <-ch:
		}

		if u.cancelled.Load() {
			return ErrCancelled
		}
	}
}

// matchingUnread filters the agent's unread messages by correlation id; an
// empty id matches everything.
func (u *ExecutionUnit) matchingUnread(correlID string) ([]core.Message, error) {
	msgs, err := u.agent.router.Receive(u.agent.Name())
	if err != nil {
		return nil, err
	}
	if correlID == "" {
		return msgs, nil
	}
	var matched []core.Message
	for _, msg := range msgs {
		if msg.CorrelationID == correlID {
			matched = append(matched, msg)
		}
	}
	return matched, nil
}

// callContext builds the constrained surface handed to capabilities and the
// negotiator.
func (u *ExecutionUnit) callContext(ctx context.Context) *capability.Context {
	u.mu.Lock()
	attrs := map[string]string{}
	for k, v := range u.attrs {
		attrs[k] = v
	}
	u.mu.Unlock()

	var post capability.Poster
	if u.agent.router != nil {
		post = u.agent.router
	}
	return &capability.Context{
		Context:   ctx,
		AgentName: u.agent.Name(),
		UnitID:    u.id,
		Attrs:     attrs,
		Post:      post,
		Logger:    u.agent.logger,
	}
}

// request assembles the model request: persona and protocol as instructions,
// then task and working history as exchanges.
func (u *ExecutionUnit) request() model.Request {
	u.mu.Lock()
	working := append([]core.Exchange(nil), u.working...)
	u.mu.Unlock()

	exchanges := make([]core.Exchange, 0, len(working)+1)
	exchanges = append(exchanges, core.NewExchange(core.RoleUser, "Task: "+u.task))
	exchanges = append(exchanges, working...)

	return model.Request{
		Instructions: u.instructions(),
		Exchanges:    exchanges,
	}
}

// instructions renders the persona, the directive protocol and the capability
// listing.
func (u *ExecutionUnit) instructions() string {
	var sb strings.Builder
	if persona := u.agent.Persona(); persona != "" {
		sb.WriteString(persona)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Work the task in small steps. Reply with exactly one directive per turn:\n")
	sb.WriteString("  done: <final result>\n")
	sb.WriteString("  call <capability>: <what you want it to do>\n")
	sb.WriteString("  spawn: <subtask to delegate>\n")

	table := u.agent.Capabilities()
	if len(table) > 0 {
		names := make([]string, 0, len(table))
		for name := range table {
			names = append(names, name)
		}
		sort.Strings(names)
		sb.WriteString("\nAvailable capabilities:\n")
		for _, name := range names {
			fmt.Fprintf(&sb, "  %s: %s\n", name, table[name].Description)
		}
	}
	return sb.String()
}

// record appends an exchange to both the working history and agent memory.
func (u *ExecutionUnit) record(ex core.Exchange) {
	u.mu.Lock()
	u.working = append(u.working, ex)
	u.mu.Unlock()
	u.agent.Remember(ex)
}

// observe records an observation for the next model turn.
func (u *ExecutionUnit) observe(text string) {
	u.record(core.NewExchange(core.RoleTool, text))
}

func (u *ExecutionUnit) setPhase(p Phase) {
	u.mu.Lock()
	u.phase = p
	u.mu.Unlock()
}

func (u *ExecutionUnit) loopCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.loop
}

func (u *ExecutionUnit) bumpLoop() {
	u.mu.Lock()
	u.loop++
	u.mu.Unlock()
}

func (u *ExecutionUnit) unbumpLoop() {
	u.mu.Lock()
	if u.loop > 0 {
		u.loop--
	}
	u.mu.Unlock()
}

// awaitRecovery blocks a unit whose model call failed as unavailable. A down
// signal is waited out like the gate; while the signal still reads available
// (monitor lag, or no monitor at all) a fixed backoff spaces the retries.
func (u *ExecutionUnit) awaitRecovery(ctx context.Context) error {
	if !u.agent.signal.IsAvailable() {
		return u.agent.signal.AwaitAvailable(ctx, 0)
	}
	return u.pause(ctx)
}

// pause sleeps one retry backoff, honoring cancellation.
func (u *ExecutionUnit) pause(ctx context.Context) error {
	timer := time.NewTimer(u.retryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// complete moves the unit to Completed with result.
func (u *ExecutionUnit) complete(result string) string {
	u.mu.Lock()
	u.phase = PhaseCompleted
	u.result = result
	u.mu.Unlock()
	u.agent.logger.Info("unit.completed", "unit_id", u.id, "agent", u.agent.Name())
	return result
}

// fail moves the unit to Failed and returns the error Run should surface.
func (u *ExecutionUnit) fail(reason string) error {
	u.mu.Lock()
	u.phase = PhaseFailed
	u.failure = reason
	u.mu.Unlock()
	u.agent.logger.Warn("unit.failed", "unit_id", u.id, "reason", reason)
	return fmt.Errorf("execution unit failed: %s", reason)
}

// interrupted resolves a cancellation: the unit and its still-running
// children move to Cancelled.
func (u *ExecutionUnit) interrupted(ctx context.Context, cause error) error {
	u.Cancel()

	u.mu.Lock()
	if !u.phase.Terminal() {
		u.phase = PhaseCancelled
	}
	children := append([]*ExecutionUnit(nil), u.children...)
	u.mu.Unlock()

	for _, child := range children {
		child.mu.Lock()
		if !child.phase.Terminal() {
			child.phase = PhaseCancelled
		}
		child.mu.Unlock()
	}

	u.agent.logger.Info("unit.cancelled", "unit_id", u.id, "agent", u.agent.Name())

	if cause != nil && !errors.Is(cause, ErrCancelled) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return cause
	}
	return ErrCancelled
}

// directive is one parsed model instruction.
type directiveKind int

const (
	directiveNone directiveKind = iota
	directiveDone
	directiveCall
	directiveSpawn
)

type directive struct {
	kind    directiveKind
	name    string
	payload string
}

// parseDirective scans the model reply for the first recognized directive
// line. Replies without one fall back to directiveNone.
func parseDirective(text string) directive {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		lower := strings.ToLower(line)

		switch {
		case strings.HasPrefix(lower, "done:"):
			return directive{kind: directiveDone, payload: strings.TrimSpace(line[len("done:"):])}

		case strings.HasPrefix(lower, "spawn:"):
			return directive{kind: directiveSpawn, payload: strings.TrimSpace(line[len("spawn:"):])}

		case strings.HasPrefix(lower, "call "):
			rest := line[len("call "):]
			idx := strings.Index(rest, ":")
			if idx < 0 {
				continue
			}
			name := strings.TrimSpace(rest[:idx])
			intent := strings.TrimSpace(rest[idx+1:])
			if name == "" {
				continue
			}
			return directive{kind: directiveCall, name: name, payload: intent}
		}
	}
	return directive{kind: directiveNone}
}
