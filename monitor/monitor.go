// Package monitor implements the service availability monitor: a background
// poller that probes every distinct model backend and publishes one
// process-wide availability signal observed by all execution units.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/agenthive/core"
	"github.com/hupe1980/agenthive/logging"
	"github.com/hupe1980/agenthive/model"
)

// DefaultInterval is the fixed probe interval.
const DefaultInterval = 60 * time.Second

// Monitor polls the configured backends on a fixed interval and is the sole
// writer of the availability signal. Backends whose Info().Endpoint resolves
// to the same physical endpoint share one probe per interval.
//
// Decision policy: the signal is available only if all distinct backends are
// healthy (strict AND). A transport failure of the probe itself (connection
// error, timeout) preserves the backend's previous health rather than flipping
// it, so monitor-side noise cannot produce false outages; only an explicit
// upstream error marks a backend unhealthy.
type Monitor struct {
	backends []model.Model
	signal   *core.AvailabilitySignal
	interval time.Duration
	logger   logging.Logger

	mu     sync.Mutex
	health map[string]bool // endpoint -> last known health
	cancel context.CancelFunc
	done   chan struct{}
}

// Options configures a Monitor.
type Options struct {
	// Interval between probe sweeps. Defaults to DefaultInterval.
	Interval time.Duration
	// Logger defaults to NoOpLogger.
	Logger logging.Logger
}

// New constructs a Monitor publishing to signal. The signal starts available;
// the first sweep runs immediately on Start.
func New(signal *core.AvailabilitySignal, backends []model.Model, optFns ...func(o *Options)) *Monitor {
	opts := Options{Interval: DefaultInterval, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	m := &Monitor{
		backends: backends,
		signal:   signal,
		interval: opts.Interval,
		logger:   logging.OrNoOp(opts.Logger),
		health:   map[string]bool{},
	}

	// Optimistic start: every endpoint healthy until a probe says otherwise.
	for _, endpoint := range m.endpoints() {
		m.health[endpoint] = true
	}
	return m
}

// Signal returns the signal this monitor writes.
func (m *Monitor) Signal() *core.AvailabilitySignal { return m.signal }

// Interval returns the probe interval.
func (m *Monitor) Interval() time.Duration { return m.interval }

// IsAvailable is a non-blocking read of the global signal.
func (m *Monitor) IsAvailable() bool { return m.signal.IsAvailable() }

// WaitUntilAvailable blocks until the signal is true or ctx is cancelled.
func (m *Monitor) WaitUntilAvailable(ctx context.Context) error {
	return m.signal.AwaitAvailable(ctx, m.interval)
}

// Start launches the background polling loop. It probes once immediately,
// then every interval until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go func() {
		defer close(m.done)

		m.CheckNow(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckNow(ctx)
			}
		}
	}()
}

// Stop terminates the polling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CheckNow performs one probe sweep: one Ping per distinct endpoint, then
// publishes the aggregated signal. Exposed for tests and manual refresh.
func (m *Monitor) CheckNow(ctx context.Context) {
	probed := map[string]bool{} // endpoints probed this sweep

	for _, backend := range m.backends {
		endpoint := endpointOf(backend)
		if probed[endpoint] {
			continue
		}
		probed[endpoint] = true

		err := backend.Ping(ctx)
		m.applyProbe(endpoint, err)
	}

	available := m.aggregate()
	m.signal.Set(available, time.Now().UTC())
	m.logger.Debug("monitor.sweep", "available", available, "endpoints", len(probed))
}

// applyProbe folds one probe result into the per-endpoint health table.
func (m *Monitor) applyProbe(endpoint string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case err == nil:
		m.health[endpoint] = true
	case errors.Is(err, context.Canceled):
		// Shutdown race, not a health observation.
	case isProbeNoise(err):
		// The probe itself failed in transit; keep the previous value.
		m.logger.Warn("monitor.probe.noise", "endpoint", endpoint, "error", err.Error())
	default:
		m.logger.Warn("monitor.probe.failed", "endpoint", endpoint, "error", err.Error())
		m.health[endpoint] = false
	}
}

// aggregate applies the strict-AND policy over last known health.
func (m *Monitor) aggregate() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, healthy := range m.health {
		if !healthy {
			return false
		}
	}
	return true
}

// isProbeNoise distinguishes a failure of the probe transport from the
// backend reporting unhealthy: connection errors and timeouts are treated as
// monitor-side noise, while an upstream status answer is a real observation.
func isProbeNoise(err error) bool {
	var upErr *model.UpstreamError
	if errors.As(err, &upErr) {
		return false
	}

	var connErr *model.ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var toErr *model.TimeoutError
	if errors.As(err, &toErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// endpoints returns the distinct endpoints across configured backends.
func (m *Monitor) endpoints() []string {
	seen := map[string]bool{}
	var out []string
	for _, backend := range m.backends {
		endpoint := endpointOf(backend)
		if !seen[endpoint] {
			seen[endpoint] = true
			out = append(out, endpoint)
		}
	}
	return out
}

func endpointOf(backend model.Model) string {
	info := backend.Info()
	if info.Endpoint != "" {
		return info.Endpoint
	}
	return info.Provider + "/" + info.Name
}
