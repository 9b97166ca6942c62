// Package agenthive is a kernel for running constellations of cooperating
// LLM agents: capability resolution, availability-gated execution units,
// durable inter-agent messaging and snapshot/restore of the whole world.
package agenthive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaisdk "github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"

	"github.com/hupe1980/agenthive/agent"
	"github.com/hupe1980/agenthive/capability"
	"github.com/hupe1980/agenthive/config"
	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/logging"
	"github.com/hupe1980/agenthive/mailbox"
	"github.com/hupe1980/agenthive/model"
	modelanthropic "github.com/hupe1980/agenthive/model/anthropic"
	modelopenai "github.com/hupe1980/agenthive/model/openai"
	"github.com/hupe1980/agenthive/monitor"
	"github.com/hupe1980/agenthive/negotiate"
	"github.com/hupe1980/agenthive/world"
)

// Hive wires the kernel together: one world, one router, one availability
// signal, one capability registry and the model backends serving the agents.
type Hive struct {
	logger   logging.Logger
	store    mailbox.Store
	router   *mailbox.Router
	signal   *core.AvailabilitySignal
	registry *capability.Registry
	world    *world.World
	manager  *world.Manager
	interval time.Duration

	mu          sync.Mutex
	monitor     *monitor.Monitor
	backends    map[string]model.Model // by backend name
	agentModels map[string]model.Model // by agent name
	agentLoops  map[string]int         // by agent name; 0 means default
}

// Options configures a Hive.
type Options struct {
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
	// Store persists mailbox messages. Defaults to in-memory.
	Store mailbox.Store
	// Sources supply capability definitions; the built-in messaging
	// capabilities are always appended.
	Sources []capability.Source
	// MonitorInterval between availability probes. Defaults to the monitor's.
	MonitorInterval time.Duration
}

// New constructs an empty Hive. Register backends and agents afterwards.
func New(optFns ...func(o *Options)) *Hive {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	logger := logging.OrNoOp(opts.Logger)
	if opts.Store == nil {
		opts.Store = mailbox.NewInMemoryStore()
	}

	router := mailbox.NewRouter(func(o *mailbox.RouterOptions) {
		o.Store = opts.Store
		o.Logger = logger
	})
	signal := core.NewAvailabilitySignal(true)

	sources := append(append([]capability.Source(nil), opts.Sources...),
		capability.NewMapSource(MessagingCapabilities()...))
	registry := capability.NewRegistry(sources, func(o *capability.RegistryOptions) {
		o.Logger = logger
	})

	w := world.New(func(o *world.Options) {
		o.Router = router
		o.Signal = signal
		o.Logger = logger
	})

	return &Hive{
		logger:      logger,
		store:       opts.Store,
		router:      router,
		signal:      signal,
		registry:    registry,
		world:       w,
		manager:     world.NewManager(w, func(o *world.ManagerOptions) { o.Logger = logger }),
		interval:    opts.MonitorInterval,
		backends:    map[string]model.Model{},
		agentModels: map[string]model.Model{},
		agentLoops:  map[string]int{},
	}
}

// World returns the hive's world.
func (h *Hive) World() *world.World { return h.world }

// Router returns the hive's message router.
func (h *Hive) Router() *mailbox.Router { return h.router }

// Signal returns the hive's availability signal.
func (h *Hive) Signal() *core.AvailabilitySignal { return h.signal }

// Registry returns the hive's capability registry.
func (h *Hive) Registry() *capability.Registry { return h.registry }

// RegisterBackend makes a model backend available under name.
func (h *Hive) RegisterBackend(name string, m model.Model) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backends[name] = m
}

// AgentSpec describes one agent to add to the hive.
type AgentSpec struct {
	Name    string
	Persona string
	// Backend references a backend registered with RegisterBackend.
	Backend string
	// Capabilities are resolved through the registry; the messaging
	// capabilities are always included.
	Capabilities []string
	// MaxLoops bounds the agent's execution units. 0 uses the default.
	MaxLoops int
}

// AddAgent resolves the spec's capabilities and places the agent into the
// world.
func (h *Hive) AddAgent(spec AgentSpec) (*agent.Agent, error) {
	h.mu.Lock()
	llm, ok := h.backends[spec.Backend]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("agent %q: unknown backend %q", spec.Name, spec.Backend)
	}

	a, err := h.buildAgent(spec.Name, spec.Persona, spec.Capabilities, llm)
	if err != nil {
		return nil, err
	}
	if err := h.world.AddAgent(a); err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.agentModels[spec.Name] = llm
	h.agentLoops[spec.Name] = spec.MaxLoops
	h.mu.Unlock()
	return a, nil
}

// buildAgent resolves capabilities and assembles the agent value.
func (h *Hive) buildAgent(name, persona string, capNames []string, llm model.Model) (*agent.Agent, error) {
	names := append(append([]string(nil), capNames...),
		CapSendMessage, CapAwaitReply, CapLocateAgent)
	caps, err := h.registry.Resolve(names)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", name, err)
	}

	return agent.New(name, llm, func(o *agent.Options) {
		o.Persona = persona
		o.Capabilities = caps
		o.Router = h.router
		o.Signal = h.signal
		o.Logger = h.logger
		o.Negotiator = negotiate.New(llm, func(no *negotiate.Options) {
			no.Signal = h.signal
			no.Logger = h.logger
		})
	}), nil
}

// RunTask creates an execution unit for the named agent, tracks it for
// snapshots, and runs it to completion.
func (h *Hive) RunTask(ctx context.Context, agentName, task string) (string, error) {
	a, ok := h.world.Agent(agentName)
	if !ok {
		return "", fmt.Errorf("unknown agent %q", agentName)
	}

	h.mu.Lock()
	maxLoops := h.agentLoops[agentName]
	h.mu.Unlock()

	unit := a.NewUnit(task, func(o *agent.UnitOptions) {
		o.MaxLoops = maxLoops
	})
	h.world.Track(unit)
	return unit.Run(ctx)
}

// ResumeUnits re-runs every tracked unit that is not yet terminal. Units run
// concurrently: a restored unit blocked on its mailbox may depend on a message
// another unit is about to send. Used after restoring a snapshot.
func (h *Hive) ResumeUnits(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, u := range h.world.Units() {
		if u.Phase().Terminal() {
			continue
		}
		wg.Add(1)
		go func(u *agent.ExecutionUnit) {
			defer wg.Done()
			if _, err := u.Run(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("unit %s: %w", u.ID(), err))
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// StartMonitor launches the availability monitor over the distinct registered
// backends.
func (h *Hive) StartMonitor(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.monitor != nil {
		return
	}

	backends := make([]model.Model, 0, len(h.backends))
	for _, m := range h.backends {
		backends = append(backends, m)
	}

	h.monitor = monitor.New(h.signal, backends, func(o *monitor.Options) {
		o.Interval = h.interval
		o.Logger = h.logger
	})
	h.monitor.Start(ctx)
}

// Shutdown stops the monitor, cancels running units and closes the mailbox
// store.
func (h *Hive) Shutdown() error {
	h.mu.Lock()
	mon := h.monitor
	h.monitor = nil
	h.mu.Unlock()

	if mon != nil {
		mon.Stop()
	}
	h.world.CancelAll()
	return h.store.Close()
}

// Snapshot captures the world state. Call at quiescence.
func (h *Hive) Snapshot() *world.Snapshot {
	return h.manager.Snapshot()
}

// SaveSnapshot writes the current world state to path.
func (h *Hive) SaveSnapshot(path string) error {
	return world.Save(h.Snapshot(), path)
}

// RestoreSnapshot rebuilds the world from snap. Agents are reconstructed
// against the backends registered under their names; call this on a hive
// whose world holds no agents yet.
func (h *Hive) RestoreSnapshot(snap *world.Snapshot) error {
	return h.manager.Restore(snap, func(name, persona string, capNames []string) (*agent.Agent, error) {
		h.mu.Lock()
		llm, ok := h.agentModels[name]
		h.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("no backend registered for agent %q", name)
		}
		// Snapshot capability lists already include the messaging built-ins.
		caps, err := h.registry.Resolve(capNames)
		if err != nil {
			return nil, err
		}
		return agent.New(name, llm, func(o *agent.Options) {
			o.Persona = persona
			o.Capabilities = caps
			o.Router = h.router
			o.Signal = h.signal
			o.Logger = h.logger
			o.Negotiator = negotiate.New(llm, func(no *negotiate.Options) {
				no.Signal = h.signal
				no.Logger = h.logger
			})
		}), nil
	})
}

// FromConfig assembles a Hive from a configuration document: logger, mailbox
// store, backends and agents.
func FromConfig(cfg *config.Config, optFns ...func(o *Options)) (*Hive, error) {
	h, err := fromConfigSkeleton(cfg, optFns...)
	if err != nil {
		return nil, err
	}

	for _, ac := range cfg.Agents {
		if _, err := h.AddAgent(AgentSpec{
			Name:         ac.Name,
			Persona:      ac.Persona,
			Backend:      ac.Backend,
			Capabilities: ac.Capabilities,
			MaxLoops:     ac.MaxLoops,
		}); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// FromSnapshot assembles a Hive from a configuration document and restores a
// previously saved world into it. Agent identity comes from the snapshot;
// backends and capability sources come from the configuration.
func FromSnapshot(cfg *config.Config, snap *world.Snapshot, optFns ...func(o *Options)) (*Hive, error) {
	h, err := fromConfigSkeleton(cfg, optFns...)
	if err != nil {
		return nil, err
	}

	// Map snapshot agents onto their configured backends.
	for _, ac := range cfg.Agents {
		llm, ok := h.backends[ac.Backend]
		if !ok {
			return nil, fmt.Errorf("agent %q: unknown backend %q", ac.Name, ac.Backend)
		}
		h.agentModels[ac.Name] = llm
		h.agentLoops[ac.Name] = ac.MaxLoops
	}

	if err := h.RestoreSnapshot(snap); err != nil {
		return nil, err
	}
	return h, nil
}

// fromConfigSkeleton builds the hive infrastructure without adding agents.
func fromConfigSkeleton(cfg *config.Config, optFns ...func(o *Options)) (*Hive, error) {
	opts := Options{Logger: loggerFromConfig(cfg.Logging)}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Store == nil && cfg.Mailbox.Path != "" {
		store, err := mailbox.NewSQLiteStore(cfg.Mailbox.Path)
		if err != nil {
			return nil, err
		}
		opts.Store = store
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = cfg.Monitor.Interval
	}

	h := New(func(o *Options) { *o = opts })

	for _, bc := range cfg.Backends {
		m, err := buildBackend(bc)
		if err != nil {
			return nil, err
		}
		h.RegisterBackend(bc.Name, m)
	}
	return h, nil
}

// loggerFromConfig maps the logging section onto a concrete logger.
func loggerFromConfig(lc config.LoggingConfig) logging.Logger {
	var level slog.Level
	switch lc.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if lc.Format == "json" {
		return logging.NewJSONLogger(os.Stderr, level)
	}
	return logging.NewTextLogger(os.Stderr, level)
}

// buildBackend instantiates one model backend from its configuration.
func buildBackend(bc config.BackendConfig) (model.Model, error) {
	switch bc.Provider {
	case config.ProviderMock:
		name := bc.Model
		if name == "" {
			name = bc.Name
		}
		return model.NewMockModel(name), nil

	case config.ProviderAnthropic:
		var clientOpts []anthropicopt.RequestOption
		if key := apiKey(bc, "ANTHROPIC_API_KEY"); key != "" {
			clientOpts = append(clientOpts, anthropicopt.WithAPIKey(key))
		}
		if bc.Endpoint != "" {
			clientOpts = append(clientOpts, anthropicopt.WithBaseURL(bc.Endpoint))
		}
		client := anthropicsdk.NewClient(clientOpts...)
		return modelanthropic.NewModelFromClient(&client, func(o *modelanthropic.Options) {
			o.Model = anthropicsdk.Model(bc.Model)
		}), nil

	case config.ProviderOpenAI:
		var clientOpts []openaiopt.RequestOption
		if key := apiKey(bc, "OPENAI_API_KEY"); key != "" {
			clientOpts = append(clientOpts, openaiopt.WithAPIKey(key))
		}
		if bc.Endpoint != "" {
			clientOpts = append(clientOpts, openaiopt.WithBaseURL(bc.Endpoint))
		}
		client := openaisdk.NewClient(clientOpts...)
		return modelopenai.NewModelFromClient(&client, func(o *modelopenai.Options) {
			o.Model = bc.Model
		}), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", bc.Provider)
	}
}

// apiKey resolves a backend's API key from its configured environment
// variable, falling back to the provider's conventional one.
func apiKey(bc config.BackendConfig, fallbackEnv string) string {
	env := bc.APIKeyEnv
	if env == "" {
		env = fallbackEnv
	}
	return os.Getenv(env)
}
