package fleet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/config"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/database"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type observer struct {
	id string

	mu       sync.Mutex
	received []models.Message
}

func (o *observer) ID() string { return o.id }

func (o *observer) Send(ctx context.Context, msg models.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received = append(o.received, msg)
	return nil
}

func (o *observer) ofType(messageType string) []models.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []models.Message
	for _, msg := range o.received {
		if msg.MessageType == messageType {
			out = append(out, msg)
		}
	}
	return out
}

func testConfig() config.FleetConfig {
	return config.Default().Fleet
}

func TestService_SweepRaisesAlertAndStatistics(t *testing.T) {
	s := New(nil, testConfig())
	ctx := context.Background()

	clock := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	s.Registry.SetClock(func() time.Time { return clock })

	m, _, err := s.Registry.Register(ctx, models.RegistrationRequest{Hostname: "kiosk-7"})
	require.NoError(t, err)

	obs := &observer{id: "dash"}
	s.Broadcaster.Subscribe(obs, models.ChannelAlerts, models.ChannelFleetStatus)

	clock = clock.Add(6 * time.Minute)
	stale := s.Monitor.Sweep(ctx)
	require.Len(t, stale, 1)

	alerts := obs.ofType(models.MessageAlert)
	require.Len(t, alerts, 1)
	alert, ok := alerts[0].Data.(models.Alert)
	require.True(t, ok)
	assert.Equal(t, m.ID, alert.MachineID)
	assert.Equal(t, models.SeverityWarning, alert.Severity)

	assert.Len(t, obs.ofType(models.MessageMachineStatus), 1)

	stats := obs.ofType(models.MessageFleetStatistics)
	require.Len(t, stats, 1)
	snapshot, ok := stats[0].Data.(*models.FleetStatistics)
	require.True(t, ok)
	assert.Equal(t, 1, snapshot.OfflineMachines)
}

func TestService_DeleteMachineDiscardsCommands(t *testing.T) {
	s := New(nil, testConfig())
	ctx := context.Background()

	m, _, err := s.Registry.Register(ctx, models.RegistrationRequest{Hostname: "pos-1"})
	require.NoError(t, err)
	d, err := s.Orchestrator.Create(ctx, &models.RemoteDeployment{TargetMachines: []string{m.ID}})
	require.NoError(t, err)
	require.NoError(t, s.Orchestrator.Execute(ctx, d.ID))
	require.Equal(t, 1, s.Mailbox.Pending(m.ID))

	assert.True(t, s.DeleteMachine(ctx, m.ID))
	assert.Equal(t, 0, s.Mailbox.Pending(m.ID))
	assert.False(t, s.DeleteMachine(ctx, m.ID))
}

func TestService_SchedulerRunsDueDeployments(t *testing.T) {
	cfg := testConfig()
	cfg.SchedulerInterval = 10 * time.Millisecond
	s := New(nil, cfg)
	ctx := context.Background()

	m, _, err := s.Registry.Register(ctx, models.RegistrationRequest{Hostname: "pos-1"})
	require.NoError(t, err)
	at := time.Now().Add(-time.Second)
	d, err := s.Orchestrator.Create(ctx, &models.RemoteDeployment{TargetMachines: []string{m.ID}, ScheduledAt: &at})
	require.NoError(t, err)

	s.Start(ctx)
	defer s.Stop()

	assert.Eventually(t, func() bool {
		got, err := s.Orchestrator.Get(d.ID)
		return err == nil && got.Phase == models.PhaseCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.Mailbox.Pending(m.ID))
}

func TestService_StateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := database.New(database.Config{Driver: database.DriverFile, DSN: dir})
	require.NoError(t, err)
	s := New(store, testConfig())

	m, _, err := s.Registry.Register(ctx, models.RegistrationRequest{Hostname: "branch-12"})
	require.NoError(t, err)
	d, err := s.Orchestrator.Create(ctx, &models.RemoteDeployment{Name: "baseline", TargetAll: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	store, err = database.New(database.Config{Driver: database.DriverFile, DSN: dir})
	require.NoError(t, err)
	restarted := New(store, testConfig())
	defer restarted.Close()
	require.NoError(t, restarted.Load(ctx))

	got, ok := restarted.Registry.Get(m.ID)
	require.True(t, ok)
	assert.Equal(t, "branch-12", got.Hostname)

	dep, err := restarted.Orchestrator.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "baseline", dep.Name)
	assert.Equal(t, []string{m.ID}, dep.TargetMachines)
}

func TestService_StartStopIdempotent(t *testing.T) {
	s := New(nil, testConfig())
	ctx := context.Background()

	s.Start(ctx)
	s.Start(ctx)
	s.Stop()
	s.Stop()
	assert.NoError(t, s.Close())
}
