// Package world ties agents, mailboxes and the availability signal into one
// addressable world, and implements versioned snapshots of its full state so
// a running constellation can be persisted and resumed.
package world

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hupe1980/agenthive/agent"
	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/logging"
	"github.com/hupe1980/agenthive/mailbox"
)

// World is the directory of live agents and their root execution units. It
// does not drive units; it tracks them so the snapshot manager can capture
// the whole constellation.
type World struct {
	router *mailbox.Router
	signal *core.AvailabilitySignal
	logger logging.Logger

	mu     sync.Mutex
	agents map[string]*agent.Agent
	units  map[string]*agent.ExecutionUnit // root units by id
}

// Options configures a World.
type Options struct {
	// Router defaults to a fresh in-memory router.
	Router *mailbox.Router
	// Signal defaults to an available signal.
	Signal *core.AvailabilitySignal
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// New constructs an empty World.
func New(optFns ...func(o *Options)) *World {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Router == nil {
		opts.Router = mailbox.NewRouter()
	}
	if opts.Signal == nil {
		opts.Signal = core.NewAvailabilitySignal(true)
	}
	return &World{
		router: opts.Router,
		signal: opts.Signal,
		logger: logging.OrNoOp(opts.Logger),
		agents: map[string]*agent.Agent{},
		units:  map[string]*agent.ExecutionUnit{},
	}
}

// Router returns the world's message router.
func (w *World) Router() *mailbox.Router { return w.router }

// Signal returns the world's availability signal.
func (w *World) Signal() *core.AvailabilitySignal { return w.signal }

// AddAgent places a into the world and registers its mailbox. Adding a second
// agent under the same name is an error.
func (w *World) AddAgent(a *agent.Agent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.agents[a.Name()]; exists {
		return fmt.Errorf("agent %q already present in world", a.Name())
	}
	if _, err := w.router.Register(a.Name()); err != nil {
		return err
	}
	for name := range a.Capabilities() {
		w.router.RegisterInterest(name, a.Name())
	}

	w.agents[a.Name()] = a
	w.logger.Debug("world.agent.added", "agent", a.Name())
	return nil
}

// Agent looks up an agent by name.
func (w *World) Agent(name string) (*agent.Agent, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.agents[name]
	return a, ok
}

// AgentNames returns the world's agent names in sorted order.
func (w *World) AgentNames() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.agents))
	for name := range w.agents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Track registers a root execution unit so snapshots include it. Child units
// are carried by their parent and must not be tracked separately.
func (w *World) Track(u *agent.ExecutionUnit) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.units[u.ID()] = u
}

// Units returns the tracked root units, ordered by id.
func (w *World) Units() []*agent.ExecutionUnit {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, 0, len(w.units))
	for id := range w.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*agent.ExecutionUnit, 0, len(ids))
	for _, id := range ids {
		out = append(out, w.units[id])
	}
	return out
}

// CancelAll requests cooperative cancellation of every tracked unit.
func (w *World) CancelAll() {
	for _, u := range w.Units() {
		u.Cancel()
	}
}
