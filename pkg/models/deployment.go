package models

import (
	"encoding/json"
	"time"
)

// DeploymentPhase is a step in the deployment state machine
type DeploymentPhase string

const (
	PhasePending    DeploymentPhase = "pending"
	PhaseValidating DeploymentPhase = "validating"
	PhaseBackingUp  DeploymentPhase = "backing_up"
	PhaseApplying   DeploymentPhase = "applying"
	PhaseVerifying  DeploymentPhase = "verifying"
	PhaseCompleted  DeploymentPhase = "completed"
	PhaseFailed     DeploymentPhase = "failed"
	PhaseRolledBack DeploymentPhase = "rolled_back"
)

// Terminal reports whether no further transitions follow this phase
func (p DeploymentPhase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseRolledBack
}

// Valid reports whether p is a known phase
func (p DeploymentPhase) Valid() bool {
	switch p {
	case PhasePending, PhaseValidating, PhaseBackingUp, PhaseApplying,
		PhaseVerifying, PhaseCompleted, PhaseFailed, PhaseRolledBack:
		return true
	}
	return false
}

// RemoteDeployment is a request to push a policy package to part of the fleet
type RemoteDeployment struct {
	ID          string `json:"deployment_id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`

	// Policy selection
	PolicyPackageID string   `json:"policy_package_id,omitempty"`
	PolicyIDs       []string `json:"policy_ids,omitempty"`

	// Target selection. TargetMachines is overwritten by resolution at creation
	// and stays frozen for the run.
	TargetMachines []string `json:"target_machines"`
	TargetGroups   []string `json:"target_groups,omitempty"`
	TargetTags     []string `json:"target_tags,omitempty"`
	TargetAll      bool     `json:"target_all"`

	// Execution policy. MaxFailures and RollbackOnFailure are forwarded to agents
	// but not enforced by the orchestrator.
	CreateBackup      bool `json:"create_backup"`
	VerifyBeforeApply bool `json:"verify_before_apply"`
	RollbackOnFailure bool `json:"rollback_on_failure"`
	MaxFailures       int  `json:"max_failures"`
	ParallelExecution bool `json:"parallel_execution"`
	MaxParallel       int  `json:"max_parallel"`

	// Scheduling
	ExecuteImmediately bool       `json:"execute_immediately"`
	ScheduledAt        *time.Time `json:"scheduled_at,omitempty"`

	Phase        DeploymentPhase `json:"phase"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedBy    string          `json:"created_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// HasSelection reports whether at least one target selector is set
func (d *RemoteDeployment) HasSelection() bool {
	return len(d.TargetMachines) > 0 || len(d.TargetGroups) > 0 ||
		len(d.TargetTags) > 0 || d.TargetAll
}

// Clone returns a deep copy of the deployment
func (d *RemoteDeployment) Clone() *RemoteDeployment {
	c := *d
	c.PolicyIDs = append([]string(nil), d.PolicyIDs...)
	c.TargetMachines = append([]string(nil), d.TargetMachines...)
	c.TargetGroups = append([]string(nil), d.TargetGroups...)
	c.TargetTags = append([]string(nil), d.TargetTags...)
	return &c
}

// DeploymentProgress is the latest report for one machine within one deployment
type DeploymentProgress struct {
	DeploymentID    string          `json:"deployment_id"`
	MachineID       string          `json:"machine_id"`
	Phase           DeploymentPhase `json:"phase"`
	ProgressPercent float64         `json:"progress_percent"`
	CurrentStep     string          `json:"current_step,omitempty"`
	PoliciesApplied int             `json:"policies_applied"`
	PoliciesFailed  int             `json:"policies_failed"`
	Errors          []string        `json:"errors,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// DeploymentSummary is a roll-up of a deployment's per-machine progress
type DeploymentSummary struct {
	DeploymentID    string                `json:"deployment_id"`
	Phase           DeploymentPhase       `json:"phase"`
	TotalMachines   int                   `json:"total_machines"`
	Succeeded       int                   `json:"succeeded"`
	Failed          int                   `json:"failed"`
	InProgress      int                   `json:"in_progress"`
	Pending         int                   `json:"pending"`
	OverallProgress float64               `json:"overall_progress"`
	Machines        []*DeploymentProgress `json:"machines"`
}

// CreateDeploymentRequest is the operator payload for a new deployment
type CreateDeploymentRequest struct {
	Name               string     `json:"name,omitempty"`
	Description        string     `json:"description,omitempty"`
	PolicyPackageID    string     `json:"policy_package_id,omitempty"`
	PolicyIDs          []string   `json:"policy_ids,omitempty"`
	TargetMachines     []string   `json:"target_machines,omitempty"`
	TargetGroups       []string   `json:"target_groups,omitempty"`
	TargetTags         []string   `json:"target_tags,omitempty"`
	TargetAll          bool       `json:"target_all"`
	CreateBackup       *bool      `json:"create_backup,omitempty"`
	VerifyBeforeApply  *bool      `json:"verify_before_apply,omitempty"`
	RollbackOnFailure  *bool      `json:"rollback_on_failure,omitempty"`
	MaxFailures        int        `json:"max_failures"`
	ParallelExecution  bool       `json:"parallel_execution"`
	MaxParallel        int        `json:"max_parallel"`
	ExecuteImmediately bool       `json:"execute_immediately"`
	ScheduledAt        *time.Time `json:"scheduled_at,omitempty"`
}

// DefaultMaxParallel is used when a parallel deployment does not set max_parallel
const DefaultMaxParallel = 10

// ToDeployment builds a deployment from the request, applying defaults
func (r CreateDeploymentRequest) ToDeployment() *RemoteDeployment {
	d := &RemoteDeployment{
		Name:               r.Name,
		Description:        r.Description,
		PolicyPackageID:    r.PolicyPackageID,
		PolicyIDs:          r.PolicyIDs,
		TargetMachines:     r.TargetMachines,
		TargetGroups:       r.TargetGroups,
		TargetTags:         r.TargetTags,
		TargetAll:          r.TargetAll,
		CreateBackup:       boolOr(r.CreateBackup, true),
		VerifyBeforeApply:  boolOr(r.VerifyBeforeApply, true),
		RollbackOnFailure:  boolOr(r.RollbackOnFailure, true),
		MaxFailures:        r.MaxFailures,
		ParallelExecution:  r.ParallelExecution,
		MaxParallel:        r.MaxParallel,
		ExecuteImmediately: r.ExecuteImmediately,
		ScheduledAt:        r.ScheduledAt,
	}
	if d.MaxParallel <= 0 {
		d.MaxParallel = DefaultMaxParallel
	}
	return d
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// CommandDeploy is the command type agents receive for a deployment
const CommandDeploy = "deploy"

// AgentCommand is a unit of work queued for a single machine
type AgentCommand struct {
	ID             string          `json:"command_id"`
	MachineID      string          `json:"machine_id"`
	CommandType    string          `json:"command_type"`
	Payload        json.RawMessage `json:"payload"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Priority       int             `json:"priority"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
}

// DeployPayload is the payload of a "deploy" command
type DeployPayload struct {
	DeploymentID      string   `json:"deployment_id"`
	PolicyPackageID   string   `json:"policy_package_id,omitempty"`
	PolicyIDs         []string `json:"policy_ids,omitempty"`
	CreateBackup      bool     `json:"create_backup"`
	VerifyBeforeApply bool     `json:"verify_before_apply"`
	RollbackOnFailure bool     `json:"rollback_on_failure"`
	MaxFailures       int      `json:"max_failures"`
}

// FleetStatistics is a fleet-wide aggregate computed on demand
type FleetStatistics struct {
	TotalMachines             int       `json:"total_machines"`
	OnlineMachines            int       `json:"online_machines"`
	OfflineMachines           int       `json:"offline_machines"`
	DeployingMachines         int       `json:"deploying_machines"`
	ErrorMachines             int       `json:"error_machines"`
	MaintenanceMachines       int       `json:"maintenance_machines"`
	AverageCompliance         float64   `json:"average_compliance"`
	ActiveDeployments         int       `json:"active_deployments"`
	DeploymentsCompletedToday int       `json:"deployments_completed_today"`
	DeploymentsFailedToday    int       `json:"deployments_failed_today"`
	MachinesNeedingAttention  int       `json:"machines_needing_attention"`
	GeneratedAt               time.Time `json:"generated_at"`
}
