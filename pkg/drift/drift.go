// Package drift detects changes to a downstream tool catalogue against a
// stored baseline: canonical hashing plus a structural diff with
// per-change severities.
package drift

import (
	"sort"

	"github.com/mchahed99/heimdall-sub000/pkg/canonical"
	"github.com/mchahed99/heimdall-sub000/pkg/ward"
)

// Tool is one entry of a downstream tool catalogue.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// Action selects how the proxy reacts to detected drift.
type Action string

const (
	ActionWarn Action = "WARN"
	ActionHalt Action = "HALT"
	ActionLog  Action = "LOG"
)

// Valid reports whether a is one of the declared actions.
func (a Action) Valid() bool {
	switch a {
	case ActionWarn, ActionHalt, ActionLog:
		return true
	}
	return false
}

// ChangeType tags a single catalogue change.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeRemoved  ChangeType = "removed"
	ChangeModified ChangeType = "modified"
)

// Change is one detected difference between baseline and current
// catalogue.
type Change struct {
	Type     ChangeType    `json:"type"`
	ToolName string        `json:"tool_name"`
	Severity ward.Severity `json:"severity"`
	Details  string        `json:"details"`
}

// CatalogueHash returns the canonical hash of a tool catalogue. The list
// is sorted by name first so the hash is invariant under reordering.
func CatalogueHash(tools []Tool) (string, error) {
	sorted := make([]Tool, len(tools))
	copy(sorted, tools)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return canonical.Hash(sorted)
}

// Diff compares a baseline catalogue against the current one. Additions
// and removals are high severity; an inputSchema change is critical; a
// description-only change is low. Results are in stable order: added,
// removed, modified.
func Diff(baseline, current []Tool) []Change {
	base := indexByName(baseline)
	cur := indexByName(current)

	var added, removed, modified []Change

	for _, name := range sortedNames(cur) {
		if _, ok := base[name]; !ok {
			added = append(added, Change{
				Type:     ChangeAdded,
				ToolName: name,
				Severity: ward.SeverityHigh,
				Details:  "tool not present in baseline",
			})
		}
	}

	for _, name := range sortedNames(base) {
		if _, ok := cur[name]; !ok {
			removed = append(removed, Change{
				Type:     ChangeRemoved,
				ToolName: name,
				Severity: ward.SeverityHigh,
				Details:  "tool removed from catalogue",
			})
		}
	}

	for _, name := range sortedNames(base) {
		b, c := base[name], cur[name]
		if c == nil {
			continue
		}
		bSchema, errB := canonical.Hash(b.InputSchema)
		cSchema, errC := canonical.Hash(c.InputSchema)
		if errB == nil && errC == nil && bSchema != cSchema {
			modified = append(modified, Change{
				Type:     ChangeModified,
				ToolName: name,
				Severity: ward.SeverityCritical,
				Details:  "inputSchema changed",
			})
			continue
		}
		if b.Description != c.Description {
			modified = append(modified, Change{
				Type:     ChangeModified,
				ToolName: name,
				Severity: ward.SeverityLow,
				Details:  "description changed",
			})
		}
	}

	out := make([]Change, 0, len(added)+len(removed)+len(modified))
	out = append(out, added...)
	out = append(out, removed...)
	out = append(out, modified...)
	return out
}

func indexByName(tools []Tool) map[string]*Tool {
	m := make(map[string]*Tool, len(tools))
	for i := range tools {
		m[tools[i].Name] = &tools[i]
	}
	return m
}

func sortedNames(m map[string]*Tool) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
