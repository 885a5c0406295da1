// Package targets turns a deployment's selection criteria into the concrete set of
// live machines it will run against.
package targets

import (
	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
)

// Selection is the subset of a deployment that chooses machines
type Selection struct {
	MachineIDs []string
	Groups     []string
	Tags       []string
	All        bool
}

// FromDeployment extracts the selection fields of d
func FromDeployment(d *models.RemoteDeployment) Selection {
	return Selection{
		MachineIDs: d.TargetMachines,
		Groups:     d.TargetGroups,
		Tags:       d.TargetTags,
		All:        d.TargetAll,
	}
}

// Resolve returns the IDs of online machines matched by the selection: the union of
// the explicit IDs, group members, tag holders and, with All, the whole fleet.
// Explicit IDs come first in request order, then the remaining matches in the order
// of machines. Each ID appears once.
func Resolve(sel Selection, machines []*models.Machine) []string {
	online := make(map[string]*models.Machine, len(machines))
	for _, m := range machines {
		if m.Status == models.StatusOnline {
			online[m.ID] = m
		}
	}

	seen := make(map[string]bool)
	out := make([]string, 0)
	add := func(id string) {
		if seen[id] {
			return
		}
		if _, ok := online[id]; !ok {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	for _, id := range sel.MachineIDs {
		add(id)
	}

	for _, m := range machines {
		if sel.All || m.InAnyGroup(sel.Groups) || m.HasAnyTag(sel.Tags) {
			add(m.ID)
		}
	}

	return out
}
