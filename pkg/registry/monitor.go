package registry

import (
	"context"
	"sync"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultHeartbeatTimeout is how long an online machine may stay silent
	DefaultHeartbeatTimeout = 5 * time.Minute
	// DefaultSweepInterval is how often the monitor checks for silent machines
	DefaultSweepInterval = 30 * time.Second
)

// Monitor periodically marks silent online machines offline
type Monitor struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration

	// OnOffline, when set, is called for each machine the sweep flips
	OnOffline func(ctx context.Context, m *models.Machine)
	// AfterSweep, when set, is called after every sweep
	AfterSweep func(ctx context.Context)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a liveness monitor. Zero durations select the defaults.
func NewMonitor(registry *Registry, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	return &Monitor{
		registry: registry,
		interval: interval,
		timeout:  timeout,
	}
}

// Sweep runs one liveness pass and returns the machines marked offline
func (m *Monitor) Sweep(ctx context.Context) []*models.Machine {
	stale := m.registry.MarkStale(ctx, m.timeout)
	if m.OnOffline != nil {
		for _, machine := range stale {
			m.OnOffline(ctx, machine)
		}
	}
	if m.AfterSweep != nil {
		m.AfterSweep(ctx)
	}
	return stale
}

// Start launches the sweep loop. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		log.Info().
			Dur("interval", m.interval).
			Dur("timeout", m.timeout).
			Msg("Heartbeat monitor started")

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(ctx)
			}
		}
	}(m.done)
}

// Stop halts the sweep loop and waits for it to exit
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("Heartbeat monitor stopped")
}
