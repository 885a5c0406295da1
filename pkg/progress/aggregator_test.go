package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMachines struct {
	mu       sync.Mutex
	machines map[string]*models.Machine

	// stall is slept after an update, the way a slow broadcast holds the caller
	stall func(status models.MachineStatus) time.Duration
}

func newFakeMachines(ids ...string) *fakeMachines {
	f := &fakeMachines{machines: make(map[string]*models.Machine)}
	for _, id := range ids {
		f.machines[id] = &models.Machine{ID: id, Status: models.StatusOnline}
	}
	return f
}

func (f *fakeMachines) ApplyDeploymentOutcome(ctx context.Context, id string, status models.MachineStatus, applied, failed int) bool {
	f.mu.Lock()
	m, ok := f.machines[id]
	if ok {
		m.Status = status
		if applied >= 0 {
			m.PoliciesApplied = applied
		}
		if failed >= 0 {
			m.PoliciesFailed = failed
		}
	}
	stall := f.stall
	f.mu.Unlock()

	if ok && stall != nil {
		time.Sleep(stall(status))
	}
	return ok
}

func (f *fakeMachines) get(id string) *models.Machine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.machines[id].Clone()
}

type recordingNotifier struct {
	mu       sync.Mutex
	progress []*models.DeploymentProgress
	alerts   []models.Alert
}

func (n *recordingNotifier) DeploymentProgress(ctx context.Context, p *models.DeploymentProgress) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.progress = append(n.progress, p)
}

func (n *recordingNotifier) Alert(ctx context.Context, alert models.Alert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func report(deploymentID, machineID string, phase models.DeploymentPhase, pct float64) *models.DeploymentProgress {
	return &models.DeploymentProgress{
		DeploymentID:    deploymentID,
		MachineID:       machineID,
		Phase:           phase,
		ProgressPercent: pct,
	}
}

func TestRecord_UpdatesMachineStatus(t *testing.T) {
	tests := []struct {
		phase models.DeploymentPhase
		want  models.MachineStatus
	}{
		{models.PhaseValidating, models.StatusDeploying},
		{models.PhaseApplying, models.StatusDeploying},
		{models.PhaseCompleted, models.StatusOnline},
		{models.PhaseFailed, models.StatusError},
	}

	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			machines := newFakeMachines("m-1")
			agg := New(machines, nil)

			require.NoError(t, agg.Record(context.Background(), report("d-1", "m-1", tt.phase, 50)))
			assert.Equal(t, tt.want, machines.get("m-1").Status)
		})
	}
}

func TestRecord_CompletedCopiesPolicyCounters(t *testing.T) {
	machines := newFakeMachines("m-1")
	agg := New(machines, nil)

	p := report("d-1", "m-1", models.PhaseCompleted, 100)
	p.PoliciesApplied = 7
	p.PoliciesFailed = 1
	require.NoError(t, agg.Record(context.Background(), p))

	m := machines.get("m-1")
	assert.Equal(t, 7, m.PoliciesApplied)
	assert.Equal(t, 1, m.PoliciesFailed)
}

func TestRecord_UnknownMachineIsRejected(t *testing.T) {
	agg := New(newFakeMachines(), nil)

	err := agg.Record(context.Background(), report("d-1", "ghost", models.PhaseApplying, 10))

	assert.ErrorIs(t, err, ErrMachineNotFound)
	_, ok := agg.Get("d-1", "ghost")
	assert.False(t, ok)
}

func TestRecord_LatestArrivalWins(t *testing.T) {
	agg := New(newFakeMachines("m-1"), nil)
	ctx := context.Background()

	// the agent sent "applying" before "verifying" but the reports arrive reversed
	require.NoError(t, agg.Record(ctx, report("d-1", "m-1", models.PhaseVerifying, 90)))
	require.NoError(t, agg.Record(ctx, report("d-1", "m-1", models.PhaseApplying, 40)))

	got, ok := agg.Get("d-1", "m-1")
	require.True(t, ok)
	assert.Equal(t, models.PhaseApplying, got.Phase)
	assert.Equal(t, 40.0, got.ProgressPercent)
	assert.Len(t, agg.Progress("d-1"), 1)
}

func TestRecord_ConcurrentReportsKeepStatusAndTableInStep(t *testing.T) {
	machines := newFakeMachines("m-1")
	machines.stall = func(status models.MachineStatus) time.Duration {
		if status == models.StatusError {
			return 20 * time.Millisecond
		}
		return 0
	}
	agg := New(machines, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, agg.Record(ctx, report("d-1", "m-1", models.PhaseFailed, 30)))
		}()
		go func() {
			defer wg.Done()
			time.Sleep(5 * time.Millisecond)
			assert.NoError(t, agg.Record(ctx, report("d-1", "m-1", models.PhaseApplying, 60)))
		}()
		wg.Wait()

		stored, ok := agg.Get("d-1", "m-1")
		require.True(t, ok)
		assert.Equal(t, MachineStatusFor(stored.Phase), machines.get("m-1").Status)
	}
}

func TestRecord_FailureRaisesAlert(t *testing.T) {
	notifier := &recordingNotifier{}
	agg := New(newFakeMachines("m-1"), notifier)

	p := report("d-1", "m-1", models.PhaseFailed, 30)
	p.Errors = []string{"policy 4 rejected"}
	require.NoError(t, agg.Record(context.Background(), p))

	require.Len(t, notifier.progress, 1)
	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, models.SeverityCritical, notifier.alerts[0].Severity)
	assert.Equal(t, "m-1", notifier.alerts[0].MachineID)
	assert.Contains(t, notifier.alerts[0].Message, "policy 4 rejected")
}

func TestRecordDispatchFailure(t *testing.T) {
	machines := newFakeMachines("m-1")
	agg := New(machines, nil)

	agg.RecordDispatchFailure(context.Background(), "d-1", "m-1", errors.New("queue full"))

	got, ok := agg.Get("d-1", "m-1")
	require.True(t, ok)
	assert.Equal(t, models.PhaseFailed, got.Phase)
	assert.Equal(t, []string{"queue full"}, got.Errors)
	assert.Equal(t, models.StatusError, machines.get("m-1").Status)
}

func TestSummarize_CountsAddUp(t *testing.T) {
	agg := New(newFakeMachines("a", "b", "c", "d", "outsider"), nil)
	ctx := context.Background()

	require.NoError(t, agg.Record(ctx, report("d-1", "a", models.PhaseCompleted, 100)))
	require.NoError(t, agg.Record(ctx, report("d-1", "b", models.PhaseFailed, 20)))
	require.NoError(t, agg.Record(ctx, report("d-1", "c", models.PhaseApplying, 50)))
	require.NoError(t, agg.Record(ctx, report("d-1", "outsider", models.PhaseCompleted, 100)))

	d := &models.RemoteDeployment{
		ID:             "d-1",
		Phase:          models.PhaseApplying,
		TargetMachines: []string{"a", "b", "c", "d"},
	}
	s := agg.Summarize(d)

	assert.Equal(t, 4, s.TotalMachines)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.InProgress)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, s.TotalMachines, s.Succeeded+s.Failed+s.InProgress+s.Pending)
	assert.InDelta(t, 62.5, s.OverallProgress, 0.001)
	assert.Len(t, s.Machines, 3)
}

func TestSummarize_NoTargets(t *testing.T) {
	agg := New(newFakeMachines(), nil)

	s := agg.Summarize(&models.RemoteDeployment{ID: "d-1", Phase: models.PhaseCompleted})

	assert.Equal(t, 0, s.TotalMachines)
	assert.Equal(t, 100.0, s.OverallProgress)
	assert.NotNil(t, s.Machines)
}

func TestFleetStatistics(t *testing.T) {
	agg := New(newFakeMachines(), nil)
	now := time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)
	earlier := now.Add(-2 * time.Hour)
	yesterday := now.Add(-24 * time.Hour)

	machines := []*models.Machine{
		{ID: "1", Status: models.StatusOnline, ComplianceScore: 95},
		{ID: "2", Status: models.StatusOnline, ComplianceScore: 60},
		{ID: "3", Status: models.StatusOffline, ComplianceScore: 85},
		{ID: "4", Status: models.StatusError},
		{ID: "5", Status: models.StatusDeploying, ComplianceScore: 100, PoliciesFailed: 2},
	}
	deployments := []*models.RemoteDeployment{
		{ID: "a", Phase: models.PhasePending},
		{ID: "b", Phase: models.PhaseApplying},
		{ID: "c", Phase: models.PhaseCompleted, CompletedAt: &earlier},
		{ID: "d", Phase: models.PhaseCompleted, CompletedAt: &yesterday},
		{ID: "e", Phase: models.PhaseFailed, CompletedAt: &earlier},
	}

	stats := agg.FleetStatistics(machines, deployments, now)

	assert.Equal(t, 5, stats.TotalMachines)
	assert.Equal(t, 2, stats.OnlineMachines)
	assert.Equal(t, 1, stats.OfflineMachines)
	assert.Equal(t, 1, stats.ErrorMachines)
	assert.Equal(t, 1, stats.DeployingMachines)
	assert.InDelta(t, 68.0, stats.AverageCompliance, 0.001)
	assert.Equal(t, 1, stats.ActiveDeployments)
	assert.Equal(t, 1, stats.DeploymentsCompletedToday)
	assert.Equal(t, 1, stats.DeploymentsFailedToday)
	assert.Equal(t, 3, stats.MachinesNeedingAttention)
	assert.Equal(t, now, stats.GeneratedAt)
}
