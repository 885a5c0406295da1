package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/metrics"
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrMachineNotFound is returned for operations on an unregistered machine
	ErrMachineNotFound = errors.New("machine not found")
	// ErrInvalidRegistration is returned when a registration lacks a hostname
	ErrInvalidRegistration = errors.New("hostname is required")
)

// MachineStore persists full snapshots of the machine map
type MachineStore interface {
	LoadMachines(ctx context.Context) (map[string]*models.Machine, error)
	SaveMachines(ctx context.Context, machines map[string]*models.Machine) error
}

// Notifier is told about every machine state change
type Notifier interface {
	MachineStatus(ctx context.Context, machine *models.Machine)
}

// Registry is the authoritative in-memory map of known machines.
// Every mutation is persisted as a full snapshot and broadcast.
type Registry struct {
	mu       sync.RWMutex
	machines map[string]*models.Machine
	byHost   map[string]string // hostname key -> machine ID

	// serializes snapshot writes so the last save always carries the newest state
	persistMu sync.Mutex

	store    MachineStore
	notifier Notifier
	now      func() time.Time
}

// New creates an empty registry. store and notifier may be nil.
func New(store MachineStore, notifier Notifier) *Registry {
	return &Registry{
		machines: make(map[string]*models.Machine),
		byHost:   make(map[string]string),
		store:    store,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the registry time source
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// Load replaces the registry contents with the persisted snapshot
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}

	machines, err := r.store.LoadMachines(ctx)
	if err != nil {
		return fmt.Errorf("failed to load machines: %w", err)
	}

	r.mu.Lock()
	r.machines = make(map[string]*models.Machine, len(machines))
	r.byHost = make(map[string]string, len(machines))
	for id, m := range machines {
		if m == nil {
			continue
		}
		m.ID = id
		r.machines[id] = m
		r.byHost[models.HostnameKey(m.Hostname)] = id
	}
	r.mu.Unlock()

	r.updateGauges()
	log.Info().Int("machines", len(machines)).Msg("Machine registry loaded")
	return nil
}

// Register creates a machine or refreshes the one already registered under the
// same hostname. The machine ID and registration time survive re-registration.
func (r *Registry) Register(ctx context.Context, req models.RegistrationRequest) (*models.Machine, bool, error) {
	key := models.HostnameKey(req.Hostname)
	if key == "" {
		return nil, false, ErrInvalidRegistration
	}

	now := r.now()

	r.mu.Lock()
	machine, created := r.machines[r.byHost[key]], false
	if machine == nil {
		machine = &models.Machine{
			ID:           uuid.New().String(),
			RegisteredAt: now,
			Groups:       []string{},
			Tags:         []string{},
		}
		created = true
		r.machines[machine.ID] = machine
		r.byHost[key] = machine.ID
	}

	machine.Hostname = req.Hostname
	machine.IPAddress = req.IPAddress
	machine.OSVersion = req.OSVersion
	machine.OSBuild = req.OSBuild
	machine.AgentVersion = req.AgentVersion
	machine.Capabilities = append([]string(nil), req.Capabilities...)
	if req.Tags != nil {
		machine.Tags = append([]string(nil), req.Tags...)
	}
	if req.Location != "" {
		machine.Location = req.Location
	}
	if req.Department != "" {
		machine.Department = req.Department
	}
	machine.Status = models.StatusOnline
	machine.LastSeen = now
	out := machine.Clone()
	r.mu.Unlock()

	result := "updated"
	if created {
		result = "created"
	}
	metrics.RegistrationsTotal.WithLabelValues(result).Inc()
	log.Info().
		Str("machine_id", out.ID).
		Str("hostname", out.Hostname).
		Bool("new", created).
		Msg("Machine registered")

	r.changed(ctx, out)
	return out, created, nil
}

// ApplyHeartbeat records a heartbeat. It returns false, changing nothing, when the
// machine is unknown.
func (r *Registry) ApplyHeartbeat(ctx context.Context, hb models.Heartbeat) bool {
	m, ok := r.Update(ctx, hb.MachineID, func(m *models.Machine) {
		if hb.Status.Valid() {
			m.Status = hb.Status
		}
		if hb.CPUUsage != nil {
			m.CPUUsage = *hb.CPUUsage
		}
		if hb.MemoryUsed != nil {
			m.MemoryUsed = *hb.MemoryUsed
		}
		if hb.DiskFree != nil {
			m.DiskFree = *hb.DiskFree
		}
		if hb.ComplianceScore != nil {
			m.ComplianceScore = *hb.ComplianceScore
		}
		if hb.PoliciesApplied != nil {
			m.PoliciesApplied = *hb.PoliciesApplied
		}
		if hb.PoliciesFailed != nil {
			m.PoliciesFailed = *hb.PoliciesFailed
		}
		m.LastSeen = r.now()
	})
	if !ok {
		metrics.HeartbeatsTotal.WithLabelValues("unknown").Inc()
		log.Warn().Str("machine_id", hb.MachineID).Msg("Heartbeat from unknown machine")
		return false
	}

	metrics.HeartbeatsTotal.WithLabelValues("accepted").Inc()
	log.Debug().Str("machine_id", m.ID).Str("status", string(m.Status)).Msg("Heartbeat received")
	return true
}

// Update applies fn to the machine under the registry lock, then persists and
// broadcasts the result. It returns false when the machine is unknown.
func (r *Registry) Update(ctx context.Context, id string, fn func(m *models.Machine)) (*models.Machine, bool) {
	r.mu.Lock()
	machine, ok := r.machines[id]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	fn(machine)
	out := machine.Clone()
	r.mu.Unlock()

	r.changed(ctx, out)
	return out, true
}

// SetStatus changes a machine's status
func (r *Registry) SetStatus(ctx context.Context, id string, status models.MachineStatus) bool {
	_, ok := r.Update(ctx, id, func(m *models.Machine) {
		m.Status = status
	})
	return ok
}

// ApplyDeploymentOutcome moves a machine to the status a deployment report
// implies and bumps last_seen. Negative counters leave the machine's policy
// counters unchanged.
func (r *Registry) ApplyDeploymentOutcome(ctx context.Context, id string, status models.MachineStatus, applied, failed int) bool {
	_, ok := r.Update(ctx, id, func(m *models.Machine) {
		m.Status = status
		if applied >= 0 {
			m.PoliciesApplied = applied
		}
		if failed >= 0 {
			m.PoliciesFailed = failed
		}
		m.LastSeen = r.now()
	})
	return ok
}

// Get returns a copy of a machine
func (r *Registry) Get(id string) (*models.Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.machines[id]
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// List returns copies of the machines matching filter, ordered by hostname
func (r *Registry) List(filter models.MachineFilter) []*models.Machine {
	r.mu.RLock()
	machines := make([]*models.Machine, 0, len(r.machines))
	for _, m := range r.machines {
		if filter.Matches(m) {
			machines = append(machines, m.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(machines, func(i, j int) bool {
		hi, hj := models.HostnameKey(machines[i].Hostname), models.HostnameKey(machines[j].Hostname)
		if hi != hj {
			return hi < hj
		}
		return machines[i].ID < machines[j].ID
	})
	return machines
}

// Count returns the number of registered machines
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.machines)
}

// BulkUpdateGroupsTags applies the label changes to every listed machine that
// exists and returns how many were updated.
func (r *Registry) BulkUpdateGroupsTags(ctx context.Context, req models.BulkTagRequest) int {
	r.mu.Lock()
	updated := make([]*models.Machine, 0, len(req.MachineIDs))
	seen := make(map[string]bool, len(req.MachineIDs))
	for _, id := range req.MachineIDs {
		m, ok := r.machines[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		req.ApplyTo(m)
		updated = append(updated, m.Clone())
	}
	r.mu.Unlock()

	if len(updated) == 0 {
		return 0
	}

	r.persist(ctx)
	for _, m := range updated {
		r.notify(ctx, m)
	}

	log.Info().Int("requested", len(req.MachineIDs)).Int("updated", len(updated)).Msg("Bulk group/tag update")
	return len(updated)
}

// Delete removes a machine. Its mailbox, if any, is left to the caller.
func (r *Registry) Delete(ctx context.Context, id string) bool {
	r.mu.Lock()
	m, ok := r.machines[id]
	if ok {
		delete(r.machines, id)
		if r.byHost[models.HostnameKey(m.Hostname)] == id {
			delete(r.byHost, models.HostnameKey(m.Hostname))
		}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	removed := m.Clone()
	removed.Status = models.StatusOffline
	log.Info().Str("machine_id", id).Str("hostname", m.Hostname).Msg("Machine deleted")
	r.changed(ctx, removed)
	return true
}

// MarkStale flips every online machine whose last heartbeat is older than timeout
// to offline and returns the flipped machines. Machines in any other status are
// left alone.
func (r *Registry) MarkStale(ctx context.Context, timeout time.Duration) []*models.Machine {
	now := r.now()

	r.mu.Lock()
	var stale []*models.Machine
	for _, m := range r.machines {
		if m.Status != models.StatusOnline {
			continue
		}
		if now.Sub(m.LastSeen) > timeout {
			m.Status = models.StatusOffline
			stale = append(stale, m.Clone())
		}
	}
	r.mu.Unlock()

	if len(stale) == 0 {
		return nil
	}

	r.persist(ctx)
	for _, m := range stale {
		log.Warn().
			Str("machine_id", m.ID).
			Str("hostname", m.Hostname).
			Time("last_seen", m.LastSeen).
			Msg("Machine marked offline")
		r.notify(ctx, m)
	}
	metrics.MachinesMarkedOffline.Add(float64(len(stale)))
	return stale
}

func (r *Registry) changed(ctx context.Context, m *models.Machine) {
	r.persist(ctx)
	r.notify(ctx, m)
}

func (r *Registry) notify(ctx context.Context, m *models.Machine) {
	if r.notifier != nil {
		r.notifier.MachineStatus(ctx, m)
	}
}

// persist writes the full machine map. Failures are logged, never returned.
func (r *Registry) persist(ctx context.Context) {
	r.updateGauges()
	if r.store == nil {
		return
	}

	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.RLock()
	snapshot := make(map[string]*models.Machine, len(r.machines))
	for id, m := range r.machines {
		snapshot[id] = m.Clone()
	}
	r.mu.RUnlock()

	if err := r.store.SaveMachines(context.WithoutCancel(ctx), snapshot); err != nil {
		log.Error().Err(err).Msg("Failed to persist machine snapshot")
	}
}

func (r *Registry) updateGauges() {
	counts := map[models.MachineStatus]int{
		models.StatusOnline:      0,
		models.StatusOffline:     0,
		models.StatusDeploying:   0,
		models.StatusError:       0,
		models.StatusMaintenance: 0,
	}

	r.mu.RLock()
	for _, m := range r.machines {
		counts[m.Status]++
	}
	r.mu.RUnlock()

	for status, n := range counts {
		metrics.MachinesTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
