package models

import (
	"strings"
	"time"
)

// MachineStatus represents the liveness state of a managed machine
type MachineStatus string

const (
	StatusOnline      MachineStatus = "online"
	StatusOffline     MachineStatus = "offline"
	StatusDeploying   MachineStatus = "deploying"
	StatusError       MachineStatus = "error"
	StatusMaintenance MachineStatus = "maintenance"
)

// Valid reports whether s is one of the known machine states
func (s MachineStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusOffline, StatusDeploying, StatusError, StatusMaintenance:
		return true
	}
	return false
}

// Machine represents a managed machine running the fleet agent
type Machine struct {
	ID           string   `json:"machine_id"`
	Hostname     string   `json:"hostname"`
	IPAddress    string   `json:"ip_address"`
	OSVersion    string   `json:"os_version"`
	OSBuild      string   `json:"os_build,omitempty"`
	AgentVersion string   `json:"agent_version"`
	Capabilities []string `json:"capabilities"`

	// Liveness
	Status       MachineStatus `json:"status"`
	LastSeen     time.Time     `json:"last_seen"`
	RegisteredAt time.Time     `json:"registered_at"`

	// Compliance telemetry
	ComplianceScore float64 `json:"compliance_score"`
	PoliciesApplied int     `json:"policies_applied"`
	PoliciesFailed  int     `json:"policies_failed"`
	CPUUsage        float64 `json:"cpu_usage"`
	MemoryUsed      float64 `json:"memory_used"`
	DiskFree        float64 `json:"disk_free"`

	// Classification
	Tags       []string `json:"tags"`
	Groups     []string `json:"groups"`
	Location   string   `json:"location,omitempty"`
	Department string   `json:"department,omitempty"`
}

// Clone returns a deep copy of the machine so callers never share slices with the registry
func (m *Machine) Clone() *Machine {
	c := *m
	c.Capabilities = append([]string(nil), m.Capabilities...)
	c.Tags = append([]string(nil), m.Tags...)
	c.Groups = append([]string(nil), m.Groups...)
	return &c
}

// InAnyGroup reports whether the machine belongs to at least one of groups
func (m *Machine) InAnyGroup(groups []string) bool {
	return intersects(m.Groups, groups)
}

// HasAnyTag reports whether the machine carries at least one of tags
func (m *Machine) HasAnyTag(tags []string) bool {
	return intersects(m.Tags, tags)
}

func intersects(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}

// HostnameKey normalizes a hostname into the registry's re-registration key
func HostnameKey(hostname string) string {
	return strings.ToLower(strings.TrimSpace(hostname))
}

// RegistrationRequest is the payload an agent sends on startup
type RegistrationRequest struct {
	Hostname     string   `json:"hostname"`
	IPAddress    string   `json:"ip_address"`
	OSVersion    string   `json:"os_version"`
	OSBuild      string   `json:"os_build,omitempty"`
	AgentVersion string   `json:"agent_version"`
	Capabilities []string `json:"capabilities"`
	Tags         []string `json:"tags,omitempty"`
	Location     string   `json:"location,omitempty"`
	Department   string   `json:"department,omitempty"`
}

// Heartbeat is the periodic liveness report sent by an agent
type Heartbeat struct {
	MachineID       string        `json:"machine_id"`
	Status          MachineStatus `json:"status"`
	CPUUsage        *float64      `json:"cpu_usage,omitempty"`
	MemoryUsed      *float64      `json:"memory_used,omitempty"`
	DiskFree        *float64      `json:"disk_free,omitempty"`
	ComplianceScore *float64      `json:"compliance_score,omitempty"`
	PoliciesApplied *int          `json:"policies_applied,omitempty"`
	PoliciesFailed  *int          `json:"policies_failed,omitempty"`
}

// MachineFilter narrows a machine listing. Groups and Tags use any-of semantics.
type MachineFilter struct {
	Status MachineStatus
	Groups []string
	Tags   []string
}

// Matches reports whether m satisfies every populated criterion of the filter
func (f MachineFilter) Matches(m *Machine) bool {
	if f.Status != "" && m.Status != f.Status {
		return false
	}
	if len(f.Groups) > 0 && !m.InAnyGroup(f.Groups) {
		return false
	}
	if len(f.Tags) > 0 && !m.HasAnyTag(f.Tags) {
		return false
	}
	return true
}
