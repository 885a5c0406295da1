// Package fleet assembles the orchestrator components into one service and
// runs their background loops.
package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/config"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/database"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/mailbox"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/orchestrator"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/progress"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/pubsub"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/registry"
	"github.com/rs/zerolog/log"
)

// Service owns every fleet component. Handlers and background loops share it
// by reference.
type Service struct {
	Store        database.Store
	Registry     *registry.Registry
	Mailbox      *mailbox.Mailbox
	Progress     *progress.Aggregator
	Orchestrator *orchestrator.Orchestrator
	Broadcaster  *pubsub.Broadcaster
	Monitor      *registry.Monitor

	cfg config.FleetConfig
	now func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the components together. store may be nil for a memory-only fleet.
func New(store database.Store, cfg config.FleetConfig) *Service {
	b := pubsub.New()

	var (
		machineStore    registry.MachineStore
		deploymentStore orchestrator.DeploymentStore
	)
	if store != nil {
		machineStore, deploymentStore = store, store
	}

	reg := registry.New(machineStore, b)
	box := mailbox.New()
	agg := progress.New(reg, b)
	orch := orchestrator.New(reg, box, agg, deploymentStore, b)
	orch.SetCommandTimeout(cfg.CommandTimeout)

	s := &Service{
		Store:        store,
		Registry:     reg,
		Mailbox:      box,
		Progress:     agg,
		Orchestrator: orch,
		Broadcaster:  b,
		Monitor:      registry.NewMonitor(reg, cfg.SweepInterval, cfg.HeartbeatTimeout),
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
	}

	s.Monitor.OnOffline = s.machineOffline
	s.Monitor.AfterSweep = s.PublishStatistics
	return s
}

// AddSink forwards every published event to sink
func (s *Service) AddSink(sink pubsub.Sink) {
	s.Broadcaster.AddSink(sink)
	log.Info().Str("sink", sink.Name()).Msg("Event sink registered")
}

// Load restores machines and deployments from the store
func (s *Service) Load(ctx context.Context) error {
	if err := s.Registry.Load(ctx); err != nil {
		return err
	}
	if err := s.Orchestrator.Load(ctx); err != nil {
		return err
	}
	return nil
}

// Start launches the liveness monitor, the scheduler and the statistics loop
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.Orchestrator.Start(ctx)
	s.Monitor.Start(ctx)

	s.every(ctx, "scheduler", s.cfg.SchedulerInterval, func(ctx context.Context) {
		s.Orchestrator.RunDue(ctx, s.now())
	})
	s.every(ctx, "statistics", s.cfg.StatsInterval, s.PublishStatistics)

	log.Info().Msg("Fleet service started")
}

// Stop halts the background loops and waits for running deployments to stop
// dispatching
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.Monitor.Stop()
	s.wg.Wait()
	s.Orchestrator.Stop()
	log.Info().Msg("Fleet service stopped")
}

// Close stops the service and closes the store
func (s *Service) Close() error {
	s.Stop()
	if s.Store == nil {
		return nil
	}
	if err := s.Store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

func (s *Service) every(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		log.Warn().Str("loop", name).Msg("Loop disabled by non-positive interval")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		log.Debug().Str("loop", name).Dur("interval", interval).Msg("Background loop started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// Statistics computes fleet-wide statistics as of now
func (s *Service) Statistics() *models.FleetStatistics {
	return s.Progress.FleetStatistics(
		s.Registry.List(models.MachineFilter{}),
		s.Orchestrator.List("", 0),
		s.now(),
	)
}

// PublishStatistics broadcasts a statistics snapshot on fleet_status
func (s *Service) PublishStatistics(ctx context.Context) {
	s.Broadcaster.FleetStatistics(ctx, s.Statistics())
}

// DeleteMachine removes a machine and discards its undelivered commands
func (s *Service) DeleteMachine(ctx context.Context, id string) bool {
	if !s.Registry.Delete(ctx, id) {
		return false
	}
	if dropped := s.Mailbox.Drain(id); len(dropped) > 0 {
		log.Info().Str("machine_id", id).Int("commands", len(dropped)).Msg("Discarded queued commands of deleted machine")
	}
	return true
}

func (s *Service) machineOffline(ctx context.Context, m *models.Machine) {
	s.Broadcaster.Alert(ctx, models.Alert{
		Severity:  models.SeverityWarning,
		Title:     "Machine offline",
		Message:   fmt.Sprintf("%s has not sent a heartbeat since %s", m.Hostname, m.LastSeen.Format(time.RFC3339)),
		MachineID: m.ID,
	})
}
