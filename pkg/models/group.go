package models

// BulkTagRequest adds and removes groups and tags across many machines at once
type BulkTagRequest struct {
	MachineIDs   []string `json:"machine_ids"`
	AddGroups    []string `json:"add_groups,omitempty"`
	RemoveGroups []string `json:"remove_groups,omitempty"`
	AddTags      []string `json:"add_tags,omitempty"`
	RemoveTags   []string `json:"remove_tags,omitempty"`
}

// Empty reports whether the request carries no changes
func (r BulkTagRequest) Empty() bool {
	return len(r.AddGroups) == 0 && len(r.RemoveGroups) == 0 &&
		len(r.AddTags) == 0 && len(r.RemoveTags) == 0
}

// BulkOperationResult represents the result of a bulk operation
type BulkOperationResult struct {
	TotalCount   int `json:"total_count"`
	UpdatedCount int `json:"updated_count"`
}

// applyLabels returns labels with add appended (deduplicated) and remove filtered out
func applyLabels(labels, add, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, r := range remove {
		drop[r] = true
	}

	seen := make(map[string]bool, len(labels)+len(add))
	out := make([]string, 0, len(labels)+len(add))
	for _, l := range append(append([]string(nil), labels...), add...) {
		if l == "" || drop[l] || seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// ApplyTo mutates m according to the request
func (r BulkTagRequest) ApplyTo(m *Machine) {
	m.Groups = applyLabels(m.Groups, r.AddGroups, r.RemoveGroups)
	m.Tags = applyLabels(m.Tags, r.AddTags, r.RemoveTags)
}
