package progress

import (
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
)

// ComplianceThreshold is the score under which a machine needs attention
const ComplianceThreshold = 80.0

// NeedsAttention reports whether an operator should look at the machine
func NeedsAttention(m *models.Machine) bool {
	if m.Status == models.StatusError || m.PoliciesFailed > 0 {
		return true
	}
	return m.ComplianceScore > 0 && m.ComplianceScore < ComplianceThreshold
}

// FleetStatistics aggregates the fleet and deployment history as of now.
// "Today" is the UTC calendar day containing now.
func (a *Aggregator) FleetStatistics(machines []*models.Machine, deployments []*models.RemoteDeployment, now time.Time) *models.FleetStatistics {
	stats := &models.FleetStatistics{
		TotalMachines: len(machines),
		GeneratedAt:   now.UTC(),
	}

	var complianceSum float64
	for _, m := range machines {
		switch m.Status {
		case models.StatusOnline:
			stats.OnlineMachines++
		case models.StatusOffline:
			stats.OfflineMachines++
		case models.StatusDeploying:
			stats.DeployingMachines++
		case models.StatusError:
			stats.ErrorMachines++
		case models.StatusMaintenance:
			stats.MaintenanceMachines++
		}
		complianceSum += m.ComplianceScore
		if NeedsAttention(m) {
			stats.MachinesNeedingAttention++
		}
	}
	if len(machines) > 0 {
		stats.AverageCompliance = complianceSum / float64(len(machines))
	}

	y, mo, d := now.UTC().Date()
	for _, dep := range deployments {
		if !dep.Phase.Terminal() {
			if dep.Phase != models.PhasePending {
				stats.ActiveDeployments++
			}
			continue
		}
		if dep.CompletedAt == nil {
			continue
		}
		cy, cm, cd := dep.CompletedAt.UTC().Date()
		if cy != y || cm != mo || cd != d {
			continue
		}
		if dep.Phase == models.PhaseCompleted {
			stats.DeploymentsCompletedToday++
		} else {
			stats.DeploymentsFailedToday++
		}
	}

	return stats
}
