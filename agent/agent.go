// Package agent implements agents and their execution units. An Agent is the
// durable identity: persona, capability table and conversational memory. An
// ExecutionUnit is one run of a task against that identity, stepping through
// an explicit phase machine so in-flight work can be snapshotted and resumed.
package agent

import (
	"sync"

	"github.com/hupe1980/agenthive/capability"
	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/logging"
	"github.com/hupe1980/agenthive/mailbox"
	"github.com/hupe1980/agenthive/model"
	"github.com/hupe1980/agenthive/negotiate"
)

// Agent is a named participant of the world. All execution units spawned for
// the agent share its capability table, memory and model backend.
type Agent struct {
	name    string
	persona string

	capabilities map[string]*capability.Capability
	llm          model.Model
	router       *mailbox.Router
	signal       *core.AvailabilitySignal
	negotiator   *negotiate.Negotiator
	logger       logging.Logger

	mu     sync.Mutex
	memory []core.Exchange
}

// Options configures an Agent.
type Options struct {
	// Persona is prepended to every model instruction block.
	Persona string
	// Capabilities the agent may invoke, in resolved load order.
	Capabilities []*capability.Capability
	// Router connects the agent to the message system. Optional.
	Router *mailbox.Router
	// Signal gates model access. Defaults to an always-available signal.
	Signal *core.AvailabilitySignal
	// Negotiator reconciles intents with capability schemas. Defaults to a
	// negotiator over the agent's own model.
	Negotiator *negotiate.Negotiator
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// New constructs an Agent backed by llm.
func New(name string, llm model.Model, optFns ...func(o *Options)) *Agent {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Signal == nil {
		opts.Signal = core.NewAvailabilitySignal(true)
	}
	if opts.Negotiator == nil {
		opts.Negotiator = negotiate.New(llm, func(o *negotiate.Options) {
			o.Signal = opts.Signal
			o.Logger = opts.Logger
		})
	}

	table := make(map[string]*capability.Capability, len(opts.Capabilities))
	for _, c := range opts.Capabilities {
		table[c.Name] = c
	}

	return &Agent{
		name:         name,
		persona:      opts.Persona,
		capabilities: table,
		llm:          llm,
		router:       opts.Router,
		signal:       opts.Signal,
		negotiator:   opts.Negotiator,
		logger:       logging.OrNoOp(opts.Logger),
	}
}

// Name returns the agent's unique name.
func (a *Agent) Name() string { return a.name }

// Persona returns the agent's persona text.
func (a *Agent) Persona() string { return a.persona }

// Capability looks up a capability by name.
func (a *Agent) Capability(name string) (*capability.Capability, bool) {
	c, ok := a.capabilities[name]
	return c, ok
}

// Capabilities returns the agent's capability table. Callers must not mutate it.
func (a *Agent) Capabilities() map[string]*capability.Capability { return a.capabilities }

// Remember appends an exchange to the agent's memory.
func (a *Agent) Remember(ex core.Exchange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memory = append(a.memory, ex)
}

// Memory returns a copy of the agent's memory in append order.
func (a *Agent) Memory() []core.Exchange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]core.Exchange(nil), a.memory...)
}

// RestoreMemory replaces the agent's memory, used when loading a world snapshot.
func (a *Agent) RestoreMemory(memory []core.Exchange) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.memory = append([]core.Exchange(nil), memory...)
}
