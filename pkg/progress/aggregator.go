// Package progress keeps the per-deployment, per-machine progress table and
// derives deployment summaries and fleet statistics from it.
package progress

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/metrics"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrMachineNotFound is returned for progress about an unregistered machine
var ErrMachineNotFound = errors.New("machine not found")

// MachineUpdater applies a deployment outcome to a registered machine
type MachineUpdater interface {
	ApplyDeploymentOutcome(ctx context.Context, id string, status models.MachineStatus, applied, failed int) bool
}

// Notifier receives progress events and alerts
type Notifier interface {
	DeploymentProgress(ctx context.Context, progress *models.DeploymentProgress)
	Alert(ctx context.Context, alert models.Alert)
}

// Aggregator holds exactly one progress record per (deployment, machine) pair.
// Reports replace the previous record wholesale; the latest report to arrive
// wins even if the agent sent it earlier.
type Aggregator struct {
	mu    sync.RWMutex
	table map[string]map[string]*models.DeploymentProgress // deployment -> machine -> progress

	// held from the registry update through the table write so the machine
	// status always matches the stored record
	recordMu sync.Mutex

	machines MachineUpdater
	notifier Notifier
	now      func() time.Time
}

// New creates an empty aggregator. notifier may be nil.
func New(machines MachineUpdater, notifier Notifier) *Aggregator {
	return &Aggregator{
		table:    make(map[string]map[string]*models.DeploymentProgress),
		machines: machines,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// MachineStatusFor derives the registry status implied by a reported phase
func MachineStatusFor(phase models.DeploymentPhase) models.MachineStatus {
	switch phase {
	case models.PhaseCompleted:
		return models.StatusOnline
	case models.PhaseFailed:
		return models.StatusError
	default:
		return models.StatusDeploying
	}
}

// Record stores an agent's progress report and moves the machine to the status
// the reported phase implies. Reports for unknown machines are rejected.
func (a *Aggregator) Record(ctx context.Context, p *models.DeploymentProgress) error {
	if p == nil || p.DeploymentID == "" || p.MachineID == "" {
		return fmt.Errorf("deployment_id and machine_id are required")
	}

	applied, failed := -1, -1
	if p.Phase == models.PhaseCompleted {
		applied, failed = p.PoliciesApplied, p.PoliciesFailed
	}

	a.recordMu.Lock()
	if !a.machines.ApplyDeploymentOutcome(ctx, p.MachineID, MachineStatusFor(p.Phase), applied, failed) {
		a.recordMu.Unlock()
		log.Warn().
			Str("deployment_id", p.DeploymentID).
			Str("machine_id", p.MachineID).
			Msg("Progress report from unknown machine")
		return ErrMachineNotFound
	}
	stored := a.store(p)
	a.recordMu.Unlock()

	metrics.ProgressReportsTotal.WithLabelValues(string(p.Phase)).Inc()

	log.Debug().
		Str("deployment_id", p.DeploymentID).
		Str("machine_id", p.MachineID).
		Str("phase", string(p.Phase)).
		Float64("progress", p.ProgressPercent).
		Msg("Progress recorded")

	a.publish(ctx, stored)
	return nil
}

// RecordDispatchFailure stores a FAILED entry for a machine the orchestrator
// could not queue a command for
func (a *Aggregator) RecordDispatchFailure(ctx context.Context, deploymentID, machineID string, cause error) {
	now := a.now()
	p := &models.DeploymentProgress{
		DeploymentID: deploymentID,
		MachineID:    machineID,
		Phase:        models.PhaseFailed,
		CurrentStep:  "dispatch",
		Errors:       []string{cause.Error()},
		StartedAt:    &now,
		CompletedAt:  &now,
	}

	a.recordMu.Lock()
	a.machines.ApplyDeploymentOutcome(ctx, machineID, models.StatusError, -1, -1)
	stored := a.store(p)
	a.recordMu.Unlock()

	a.publish(ctx, stored)
}

func (a *Aggregator) store(p *models.DeploymentProgress) *models.DeploymentProgress {
	stored := cloneProgress(p)

	a.mu.Lock()
	defer a.mu.Unlock()

	byMachine, ok := a.table[p.DeploymentID]
	if !ok {
		byMachine = make(map[string]*models.DeploymentProgress)
		a.table[p.DeploymentID] = byMachine
	}
	byMachine[p.MachineID] = stored
	return cloneProgress(stored)
}

func (a *Aggregator) publish(ctx context.Context, p *models.DeploymentProgress) {
	if a.notifier == nil {
		return
	}

	a.notifier.DeploymentProgress(ctx, p)
	if p.Phase == models.PhaseFailed {
		a.notifier.Alert(ctx, models.Alert{
			Severity:     models.SeverityCritical,
			Title:        "Deployment failed on machine",
			Message:      strings.Join(p.Errors, "; "),
			MachineID:    p.MachineID,
			DeploymentID: p.DeploymentID,
		})
	}
}

// Get returns the current record for one machine in one deployment
func (a *Aggregator) Get(deploymentID, machineID string) (*models.DeploymentProgress, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	p, ok := a.table[deploymentID][machineID]
	if !ok {
		return nil, false
	}
	return cloneProgress(p), true
}

// Progress returns every record of a deployment ordered by machine ID
func (a *Aggregator) Progress(deploymentID string) []*models.DeploymentProgress {
	a.mu.RLock()
	out := make([]*models.DeploymentProgress, 0, len(a.table[deploymentID]))
	for _, p := range a.table[deploymentID] {
		out = append(out, cloneProgress(p))
	}
	a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MachineID < out[j].MachineID })
	return out
}

// Summarize rolls up a deployment over its full target set. Targets that never
// reported count as pending, so the four counters always add up to the total.
func (a *Aggregator) Summarize(d *models.RemoteDeployment) *models.DeploymentSummary {
	summary := &models.DeploymentSummary{
		DeploymentID:  d.ID,
		Phase:         d.Phase,
		TotalMachines: len(d.TargetMachines),
		Machines:      make([]*models.DeploymentProgress, 0, len(d.TargetMachines)),
	}

	a.mu.RLock()
	byMachine := a.table[d.ID]
	var progressSum float64
	for _, machineID := range d.TargetMachines {
		p, ok := byMachine[machineID]
		if !ok {
			summary.Pending++
			continue
		}
		summary.Machines = append(summary.Machines, cloneProgress(p))

		switch p.Phase {
		case models.PhaseCompleted:
			summary.Succeeded++
			progressSum += 100
		case models.PhaseFailed, models.PhaseRolledBack:
			summary.Failed++
			progressSum += 100
		default:
			summary.InProgress++
			progressSum += clampPercent(p.ProgressPercent)
		}
	}
	a.mu.RUnlock()

	switch {
	case summary.TotalMachines > 0:
		summary.OverallProgress = progressSum / float64(summary.TotalMachines)
	case d.Phase.Terminal():
		summary.OverallProgress = 100
	}

	return summary
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func cloneProgress(p *models.DeploymentProgress) *models.DeploymentProgress {
	c := *p
	c.Errors = append([]string(nil), p.Errors...)
	return &c
}
