/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clusterfile

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Plan declares which fields of a cluster file an update run may rewrite.
// Anything outside the plan is never read or written.
type Plan struct {
	// Fields are the top-level keys eligible for update, checked in order.
	Fields []string

	// NestedOverrides additionally updates OVERRIDE_AMI keys found under
	// Clusters.<name>.Environments.<env>. Only pre-existing keys are
	// updated; the traversal never creates structure.
	NestedOverrides bool
}

// DefaultPlan matches the fields the cluster automation has always managed.
func DefaultPlan() Plan {
	return Plan{
		Fields:          []string{"PROD_AMI", "DEV_AMI", "OVERRIDE_AMI"},
		NestedOverrides: true,
	}
}

// Result reports which fields an Apply call rewrote. Nested fields use
// dotted paths, e.g. "Clusters.east.Environments.dev.OVERRIDE_AMI".
type Result struct {
	ChangedFields []string
}

// Changed reports whether Apply rewrote anything.
func (r Result) Changed() bool {
	return len(r.ChangedFields) > 0
}

// Mutator rewrites the planned fields of a Document to a new image ID.
type Mutator struct {
	plan Plan
}

// NewMutator returns a Mutator bound to plan.
func NewMutator(plan Plan) *Mutator {
	return &Mutator{plan: plan}
}

// Apply sets every plan field present in doc to version and reports which
// fields actually changed. Fields absent from the document are skipped,
// never created, and fields already equal to version are left untouched,
// so applying the same version twice yields an empty Result.
func (m *Mutator) Apply(doc *Document, version string) Result {
	var result Result

	top := doc.mapping()
	if top == nil {
		return result
	}

	for _, field := range m.plan.Fields {
		if node := lookup(top, field); node != nil && setVersion(node, version) {
			result.ChangedFields = append(result.ChangedFields, field)
		}
	}

	if m.plan.NestedOverrides {
		result.ChangedFields = append(result.ChangedFields, applyNestedOverrides(top, version)...)
	}

	return result
}

// applyNestedOverrides walks Clusters.<name>.Environments.<env> mappings and
// updates any OVERRIDE_AMI key that already exists there.
func applyNestedOverrides(top *yaml.Node, version string) []string {
	clusters := lookup(top, "Clusters")
	if clusters == nil || clusters.Kind != yaml.MappingNode {
		return nil
	}

	var changed []string
	for i := 0; i+1 < len(clusters.Content); i += 2 {
		clusterName, cluster := clusters.Content[i].Value, clusters.Content[i+1]

		environments := lookup(cluster, "Environments")
		if environments == nil || environments.Kind != yaml.MappingNode {
			continue
		}

		for j := 0; j+1 < len(environments.Content); j += 2 {
			envName, env := environments.Content[j].Value, environments.Content[j+1]

			if node := lookup(env, "OVERRIDE_AMI"); node != nil && setVersion(node, version) {
				changed = append(changed, fmt.Sprintf("Clusters.%s.Environments.%s.OVERRIDE_AMI", clusterName, envName))
			}
		}
	}

	return changed
}

// setVersion rewrites node to the string version, reporting whether the node
// changed. The existing quoting style is kept when the node was already a
// string scalar.
func setVersion(node *yaml.Node, version string) bool {
	if node.Kind == yaml.ScalarNode && node.ShortTag() == "!!str" && node.Value == version {
		return false
	}

	if node.Kind != yaml.ScalarNode || node.ShortTag() != "!!str" {
		node.Style = 0
	}

	node.Kind = yaml.ScalarNode
	node.Tag = "!!str"
	node.Value = version
	node.Content = nil

	return true
}
