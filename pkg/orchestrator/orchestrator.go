// Package orchestrator owns the deployment state machine. It resolves targets,
// splits them into batches and queues a deploy command for each machine.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/metrics"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/progress"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/registry"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/targets"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrDeploymentNotFound is returned for operations on an unknown deployment
	ErrDeploymentNotFound = errors.New("deployment not found")
	// ErrInvalidDeployment is returned when a deployment request fails validation
	ErrInvalidDeployment = errors.New("invalid deployment")
	// ErrNotPending is returned when executing a deployment that already ran
	ErrNotPending = errors.New("deployment is not pending")
	// ErrInvalidProgress is returned for malformed progress reports
	ErrInvalidProgress = errors.New("invalid progress report")
)

// DefaultCommandTimeout is the timeout hint sent with every deploy command
const DefaultCommandTimeout = time.Hour

// DeploymentStore persists full snapshots of the deployment map
type DeploymentStore interface {
	LoadDeployments(ctx context.Context) (map[string]*models.RemoteDeployment, error)
	SaveDeployments(ctx context.Context, deployments map[string]*models.RemoteDeployment) error
}

// CommandQueue accepts commands for agents to pull
type CommandQueue interface {
	Enqueue(machineID string, cmd *models.AgentCommand) error
}

// Notifier is told about every deployment phase change
type Notifier interface {
	DeploymentUpdate(ctx context.Context, deployment *models.RemoteDeployment)
}

// Orchestrator drives deployments from creation to dispatch
type Orchestrator struct {
	mu          sync.RWMutex
	deployments map[string]*models.RemoteDeployment

	// serializes snapshot writes so the last save always carries the newest state
	persistMu sync.Mutex

	registry *registry.Registry
	queue    CommandQueue
	progress *progress.Aggregator
	store    DeploymentStore
	notifier Notifier
	now      func() time.Time

	commandTimeout time.Duration

	runMu  sync.Mutex
	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. store and notifier may be nil.
func New(reg *registry.Registry, queue CommandQueue, agg *progress.Aggregator, store DeploymentStore, notifier Notifier) *Orchestrator {
	return &Orchestrator{
		deployments:    make(map[string]*models.RemoteDeployment),
		registry:       reg,
		queue:          queue,
		progress:       agg,
		store:          store,
		notifier:       notifier,
		now:            func() time.Time { return time.Now().UTC() },
		commandTimeout: DefaultCommandTimeout,
		runCtx:         context.Background(),
	}
}

// SetClock overrides the orchestrator time source
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// SetCommandTimeout sets the timeout hint carried by deploy commands
func (o *Orchestrator) SetCommandTimeout(d time.Duration) {
	if d > 0 {
		o.commandTimeout = d
	}
}

// Load restores deployments from the persisted snapshot. Deployments that were
// mid-run when the process stopped can never finish and are marked failed.
func (o *Orchestrator) Load(ctx context.Context) error {
	if o.store == nil {
		return nil
	}

	deployments, err := o.store.LoadDeployments(ctx)
	if err != nil {
		return fmt.Errorf("failed to load deployments: %w", err)
	}

	now := o.now()
	interrupted := 0

	o.mu.Lock()
	o.deployments = make(map[string]*models.RemoteDeployment, len(deployments))
	for id, d := range deployments {
		if d == nil {
			continue
		}
		d.ID = id
		if d.Phase != models.PhasePending && !d.Phase.Terminal() {
			d.Phase = models.PhaseFailed
			d.ErrorMessage = "interrupted by server restart"
			d.CompletedAt = &now
			interrupted++
		}
		o.deployments[id] = d
	}
	o.mu.Unlock()

	if interrupted > 0 {
		log.Warn().Int("deployments", interrupted).Msg("Marked interrupted deployments as failed")
		o.persist(ctx)
	}
	log.Info().Int("deployments", len(deployments)).Msg("Deployments loaded")
	return nil
}

// Start sets the context execution goroutines run under
func (o *Orchestrator) Start(ctx context.Context) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	o.runCtx, o.cancel = context.WithCancel(ctx)
}

// Stop cancels running executions and waits for them to exit. Executions stop
// before their next batch.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

// Wait blocks until every launched execution has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Create validates a deployment, freezes its target set and stores it as
// pending. With ExecuteImmediately set, execution starts in the background.
func (o *Orchestrator) Create(ctx context.Context, d *models.RemoteDeployment) (*models.RemoteDeployment, error) {
	if d == nil || !d.HasSelection() {
		return nil, fmt.Errorf("%w: at least one of target_machines, target_groups, target_tags or target_all is required", ErrInvalidDeployment)
	}
	if d.MaxFailures < 0 {
		return nil, fmt.Errorf("%w: max_failures must not be negative", ErrInvalidDeployment)
	}

	d = d.Clone()
	d.ID = uuid.New().String()
	d.Phase = models.PhasePending
	d.CreatedAt = o.now()
	d.StartedAt, d.CompletedAt = nil, nil
	d.ErrorMessage = ""
	if d.MaxParallel <= 0 {
		d.MaxParallel = models.DefaultMaxParallel
	}
	d.TargetMachines = targets.Resolve(targets.FromDeployment(d), o.registry.List(models.MachineFilter{}))

	o.mu.Lock()
	o.deployments[d.ID] = d
	out := d.Clone()
	o.mu.Unlock()

	metrics.DeploymentsTotal.WithLabelValues(string(models.PhasePending)).Inc()
	log.Info().
		Str("deployment_id", out.ID).
		Str("name", out.Name).
		Int("targets", len(out.TargetMachines)).
		Bool("immediate", out.ExecuteImmediately).
		Msg("Deployment created")

	o.changed(ctx, out)

	if out.ExecuteImmediately {
		if _, err := o.Trigger(ctx, out.ID); err != nil {
			log.Error().Err(err).Str("deployment_id", out.ID).Msg("Failed to start deployment")
		}
	}
	return out, nil
}

// Execute runs a pending deployment to completion on the calling goroutine
func (o *Orchestrator) Execute(ctx context.Context, id string) error {
	d, err := o.claim(ctx, id)
	if err != nil {
		return err
	}
	o.run(ctx, d)
	return nil
}

// Trigger moves a pending deployment to validating and dispatches it on a
// supervised goroutine. It returns the deployment as of the transition.
func (o *Orchestrator) Trigger(ctx context.Context, id string) (*models.RemoteDeployment, error) {
	d, err := o.claim(ctx, id)
	if err != nil {
		return nil, err
	}

	o.runMu.Lock()
	runCtx := o.runCtx
	o.wg.Add(1)
	o.runMu.Unlock()

	go func() {
		defer o.wg.Done()
		o.run(runCtx, d)
	}()
	return d.Clone(), nil
}

// RunDue triggers every pending deployment whose scheduled time has passed and
// returns how many were started
func (o *Orchestrator) RunDue(ctx context.Context, now time.Time) int {
	o.mu.RLock()
	var due []string
	for id, d := range o.deployments {
		if d.Phase == models.PhasePending && d.ScheduledAt != nil && !d.ScheduledAt.After(now) {
			due = append(due, id)
		}
	}
	o.mu.RUnlock()

	started := 0
	for _, id := range due {
		if _, err := o.Trigger(ctx, id); err != nil {
			// lost a race with a manual trigger
			log.Debug().Err(err).Str("deployment_id", id).Msg("Scheduled deployment not started")
			continue
		}
		log.Info().Str("deployment_id", id).Msg("Scheduled deployment started")
		started++
	}
	return started
}

// claim performs the pending -> validating transition
func (o *Orchestrator) claim(ctx context.Context, id string) (*models.RemoteDeployment, error) {
	o.mu.Lock()
	d, ok := o.deployments[id]
	if !ok {
		o.mu.Unlock()
		return nil, ErrDeploymentNotFound
	}
	if d.Phase != models.PhasePending {
		phase := d.Phase
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: phase is %s", ErrNotPending, phase)
	}
	now := o.now()
	d.Phase = models.PhaseValidating
	d.StartedAt = &now
	out := d.Clone()
	o.mu.Unlock()

	metrics.DeploymentsTotal.WithLabelValues(string(models.PhaseValidating)).Inc()
	log.Info().
		Str("deployment_id", id).
		Int("targets", len(out.TargetMachines)).
		Bool("parallel", out.ParallelExecution).
		Int("max_parallel", out.MaxParallel).
		Msg("Deployment started")

	o.changed(ctx, out)
	return out, nil
}

// run dispatches d batch by batch. Cancellation is honoured before each batch;
// a batch already underway always finishes.
func (o *Orchestrator) run(ctx context.Context, d *models.RemoteDeployment) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("deployment_id", d.ID).Msg("Deployment execution panicked")
			o.finish(ctx, d.ID, models.PhaseFailed, fmt.Sprintf("execution panicked: %v", r))
		}
	}()

	size := 1
	if d.ParallelExecution {
		size = d.MaxParallel
	}

	for i, batch := range Batches(d.TargetMachines, size) {
		if err := ctx.Err(); err != nil {
			log.Warn().Err(err).Str("deployment_id", d.ID).Int("batch", i).Msg("Deployment cancelled")
			o.finish(ctx, d.ID, models.PhaseFailed, fmt.Sprintf("cancelled before batch %d: %v", i+1, err))
			return
		}

		if len(batch) == 1 {
			o.dispatch(ctx, d, batch[0])
			continue
		}

		var wg sync.WaitGroup
		for _, machineID := range batch {
			wg.Add(1)
			go func(machineID string) {
				defer wg.Done()
				defer o.recoverDispatch(ctx, d.ID, machineID)
				o.dispatch(ctx, d, machineID)
			}(machineID)
		}
		wg.Wait()
	}

	metrics.DeploymentDuration.Observe(time.Since(start).Seconds())
	o.finish(ctx, d.ID, models.PhaseCompleted, "")
}

// dispatch hands the deploy command to one machine. Failures are recorded
// against that machine only.
func (o *Orchestrator) dispatch(ctx context.Context, d *models.RemoteDeployment, machineID string) {
	err := o.enqueue(ctx, d, machineID)
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues("failed").Inc()
		log.Error().
			Err(err).
			Str("deployment_id", d.ID).
			Str("machine_id", machineID).
			Msg("Failed to dispatch deployment")
		o.progress.RecordDispatchFailure(ctx, d.ID, machineID, err)
		return
	}

	metrics.DispatchesTotal.WithLabelValues("queued").Inc()
	log.Debug().Str("deployment_id", d.ID).Str("machine_id", machineID).Msg("Deploy command queued")
}

// recoverDispatch turns a panic in a batch goroutine into a dispatch failure
// for that machine so its siblings and the deployment carry on
func (o *Orchestrator) recoverDispatch(ctx context.Context, deploymentID, machineID string) {
	r := recover()
	if r == nil {
		return
	}
	metrics.DispatchesTotal.WithLabelValues("failed").Inc()
	log.Error().
		Interface("panic", r).
		Str("deployment_id", deploymentID).
		Str("machine_id", machineID).
		Msg("Dispatch panicked")

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("machine_id", machineID).Msg("Failed to record panicked dispatch")
		}
	}()
	o.progress.RecordDispatchFailure(ctx, deploymentID, machineID, fmt.Errorf("dispatch panicked: %v", r))
}

func (o *Orchestrator) enqueue(ctx context.Context, d *models.RemoteDeployment, machineID string) error {
	if !o.registry.SetStatus(ctx, machineID, models.StatusDeploying) {
		return registry.ErrMachineNotFound
	}

	payload, err := json.Marshal(models.DeployPayload{
		DeploymentID:      d.ID,
		PolicyPackageID:   d.PolicyPackageID,
		PolicyIDs:         d.PolicyIDs,
		CreateBackup:      d.CreateBackup,
		VerifyBeforeApply: d.VerifyBeforeApply,
		RollbackOnFailure: d.RollbackOnFailure,
		MaxFailures:       d.MaxFailures,
	})
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}

	cmd := &models.AgentCommand{
		ID:             uuid.New().String(),
		MachineID:      machineID,
		CommandType:    models.CommandDeploy,
		Payload:        payload,
		TimeoutSeconds: int(o.commandTimeout.Seconds()),
		Priority:       1,
		CreatedAt:      o.now(),
	}
	if err := o.queue.Enqueue(machineID, cmd); err != nil {
		return fmt.Errorf("failed to queue command: %w", err)
	}
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, id string, phase models.DeploymentPhase, message string) {
	o.mu.Lock()
	d, ok := o.deployments[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	now := o.now()
	d.Phase = phase
	d.ErrorMessage = message
	d.CompletedAt = &now
	out := d.Clone()
	o.mu.Unlock()

	metrics.DeploymentsTotal.WithLabelValues(string(phase)).Inc()
	event := log.Info()
	if phase == models.PhaseFailed {
		event = log.Error().Str("error", message)
	}
	event.Str("deployment_id", id).Str("phase", string(phase)).Msg("Deployment finished")

	o.changed(ctx, out)
}

// Batches splits ids into consecutive chunks of at most size, preserving order
func Batches(ids []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}

// Get returns a copy of a deployment
func (o *Orchestrator) Get(id string) (*models.RemoteDeployment, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	d, ok := o.deployments[id]
	if !ok {
		return nil, ErrDeploymentNotFound
	}
	return d.Clone(), nil
}

// List returns deployments newest first, optionally filtered by phase.
// A non-positive limit returns everything.
func (o *Orchestrator) List(phase models.DeploymentPhase, limit int) []*models.RemoteDeployment {
	o.mu.RLock()
	out := make([]*models.RemoteDeployment, 0, len(o.deployments))
	for _, d := range o.deployments {
		if phase == "" || d.Phase == phase {
			out = append(out, d.Clone())
		}
	}
	o.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ReportProgress validates an agent's progress report and records it
func (o *Orchestrator) ReportProgress(ctx context.Context, p *models.DeploymentProgress) error {
	if p == nil || p.DeploymentID == "" || p.MachineID == "" {
		return fmt.Errorf("%w: deployment_id and machine_id are required", ErrInvalidProgress)
	}
	if !p.Phase.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidProgress, p.Phase)
	}

	o.mu.RLock()
	_, ok := o.deployments[p.DeploymentID]
	o.mu.RUnlock()
	if !ok {
		log.Warn().Str("deployment_id", p.DeploymentID).Str("machine_id", p.MachineID).Msg("Progress for unknown deployment")
		return ErrDeploymentNotFound
	}

	return o.progress.Record(ctx, p)
}

// Summary rolls up a deployment's progress over its target set
func (o *Orchestrator) Summary(id string) (*models.DeploymentSummary, error) {
	d, err := o.Get(id)
	if err != nil {
		return nil, err
	}
	return o.progress.Summarize(d), nil
}

// Progress returns every progress record of a deployment
func (o *Orchestrator) Progress(id string) ([]*models.DeploymentProgress, error) {
	if _, err := o.Get(id); err != nil {
		return nil, err
	}
	return o.progress.Progress(id), nil
}

func (o *Orchestrator) changed(ctx context.Context, d *models.RemoteDeployment) {
	o.persist(ctx)
	if o.notifier != nil {
		o.notifier.DeploymentUpdate(ctx, d)
	}
}

// persist writes the full deployment map. Failures are logged, never returned.
// The write ignores cancellation of ctx: the transition it records has already
// happened in memory.
func (o *Orchestrator) persist(ctx context.Context) {
	if o.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	o.mu.RLock()
	snapshot := make(map[string]*models.RemoteDeployment, len(o.deployments))
	for id, d := range o.deployments {
		snapshot[id] = d.Clone()
	}
	o.mu.RUnlock()

	if err := o.store.SaveDeployments(ctx, snapshot); err != nil {
		log.Error().Err(err).Msg("Failed to persist deployment snapshot")
	}
}
