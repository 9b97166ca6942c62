// Package capability implements the kernel's capability subsystem: named,
// schema-described callables an agent can invoke, plus the dependency-aware
// registry that resolves a requested name set into a concrete load order.
package capability

import (
	"context"
	"fmt"

	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/logging"
)

// Func is the async call contract of a capability: validated arguments in, a
// string observation out. A Func that needs to wait for another agent's reply
// returns *AwaitReplyError instead of blocking; the execution unit then
// suspends on its mailbox and resumes when a message arrives.
type Func func(callCtx *Context, args map[string]any) (string, error)

// Capability is a named, schema-described action. Immutable after load.
type Capability struct {
	// Name uniquely identifies the capability within a resolved set.
	Name string
	// Description is shown to models when listing available actions.
	Description string
	// Parameters is a JSON-schema subset map (type/properties/required).
	Parameters map[string]any
	// Dependencies names capabilities that must be resolved before this one.
	Dependencies []string
	// Func executes the capability.
	Func Func
}

// Poster is the minimal mailbox surface exposed to capabilities. The
// mailbox.Router satisfies it; tests substitute fakes.
type Poster interface {
	Send(msg core.Message) error
	Receive(agent string) ([]core.Message, error)
	MarkRead(agent string, ids []string) error
	Locate(capabilityName string) []string
}

// Context provides a constrained, auditable surface for capability
// implementations invoked by an execution unit.
type Context struct {
	// Context carries the unit's cancellation scope.
	Context context.Context
	// AgentName identifies the acting agent.
	AgentName string
	// UnitID identifies the invoking execution unit.
	UnitID string
	// Attrs is the unit's contextual attribute map (workspace location etc.).
	Attrs map[string]string
	// Post gives access to the message router. Nil for worlds without one.
	Post Poster
	// Logger is never nil.
	Logger logging.Logger
}

// Attr returns a contextual attribute, or "" when unset.
func (c *Context) Attr(key string) string {
	if c.Attrs == nil {
		return ""
	}
	return c.Attrs[key]
}

// AwaitReplyError is the structured suspension signal a capability returns
// when it has posted a request and must wait for an asynchronous reply. It is
// not a failure: the unit transitions to its mailbox-wait state and retries
// the observation once a message arrives.
type AwaitReplyError struct {
	// CorrelationID threads the expected reply; empty matches any message.
	CorrelationID string
	// Detail describes what the capability is waiting for.
	Detail string
}

func (e *AwaitReplyError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("awaiting reply: %s", e.Detail)
	}
	return "awaiting reply"
}

// NotFoundError reports a requested capability absent from every source.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("capability %q not found in any configured source", e.Name)
}

// ConflictError reports two sources defining the same capability name with
// incompatible contracts.
type ConflictError struct {
	Name string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("capability %q defined with incompatible contracts by multiple sources", e.Name)
}
