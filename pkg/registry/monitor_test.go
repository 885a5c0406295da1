package registry

import (
	"context"
	"testing"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_SweepMarksSilentMachinesOffline(t *testing.T) {
	r, notifier, _, clock := newTestRegistry(t)
	ctx := context.Background()

	silent := register(t, r, "silent")
	deploying := register(t, r, "deploying")
	errored := register(t, r, "errored")
	require.True(t, r.SetStatus(ctx, deploying.ID, models.StatusDeploying))
	require.True(t, r.SetStatus(ctx, errored.ID, models.StatusError))

	clock.Advance(4 * time.Minute)
	fresh := register(t, r, "fresh")

	clock.Advance(2 * time.Minute)
	notifier.reset()

	var offline []string
	monitor := NewMonitor(r, time.Second, DefaultHeartbeatTimeout)
	monitor.OnOffline = func(ctx context.Context, m *models.Machine) {
		offline = append(offline, m.ID)
	}

	stale := monitor.Sweep(ctx)

	require.Len(t, stale, 1)
	assert.Equal(t, silent.ID, stale[0].ID)
	assert.Equal(t, []string{silent.ID}, offline)
	assert.Equal(t, 1, notifier.count())

	got, _ := r.Get(silent.ID)
	assert.Equal(t, models.StatusOffline, got.Status)
	got, _ = r.Get(deploying.ID)
	assert.Equal(t, models.StatusDeploying, got.Status)
	got, _ = r.Get(errored.ID)
	assert.Equal(t, models.StatusError, got.Status)
	got, _ = r.Get(fresh.ID)
	assert.Equal(t, models.StatusOnline, got.Status)

	// already offline: the next sweep emits nothing
	notifier.reset()
	assert.Empty(t, monitor.Sweep(ctx))
	assert.Equal(t, 0, notifier.count())
}

func TestMonitor_DeployingMachineIgnoredRegardlessOfAge(t *testing.T) {
	r, notifier, _, clock := newTestRegistry(t)
	ctx := context.Background()

	m := register(t, r, "stuck")
	require.True(t, r.SetStatus(ctx, m.ID, models.StatusDeploying))
	clock.Advance(72 * time.Hour)
	notifier.reset()

	monitor := NewMonitor(r, 0, 0)
	assert.Empty(t, monitor.Sweep(ctx))
	assert.Equal(t, 0, notifier.count())
}

func TestMonitor_StartStop(t *testing.T) {
	r, _, _, clock := newTestRegistry(t)
	m := register(t, r, "web-01")
	clock.Advance(10 * time.Minute)

	swept := make(chan struct{}, 1)
	monitor := NewMonitor(r, 10*time.Millisecond, time.Minute)
	monitor.AfterSweep = func(ctx context.Context) {
		select {
		case swept <- struct{}{}:
		default:
		}
	}

	monitor.Start(context.Background())
	monitor.Start(context.Background())

	select {
	case <-swept:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not sweep")
	}
	monitor.Stop()
	monitor.Stop()

	got, _ := r.Get(m.ID)
	assert.Equal(t, models.StatusOffline, got.Status)
}
