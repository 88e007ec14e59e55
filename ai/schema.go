package ai

import (
	"strings"

	"github.com/poiesic/kgraph/core"
)

// DefaultSchema lists the entity types extracted when a task sets none.
var DefaultSchema = Schema{
	NodeTypes: []string{
		"person",
		"organization",
		"place",
		"event",
		"product",
		"technology",
		"concept",
		"date",
	},
}

// NormalizeName lowercases a node or relation name and collapses whitespace.
func NormalizeName(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeLabel turns a relation label into snake case.
func NormalizeLabel(s string) string {
	return strings.ReplaceAll(NormalizeName(s), " ", "_")
}

// Filter normalizes g and removes nodes and relations the schema does not
// allow. Relations whose endpoints are not among the kept nodes are dropped,
// as are duplicate nodes; the first occurrence of a name wins.
func (s Schema) Filter(g *Graph) *Graph {
	out := &Graph{}
	if g == nil {
		return out
	}
	types, labels := labelSet(s.NodeTypes), labelSet(s.RelationLabels)
	seen := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		name := NormalizeName(n.Name)
		typ := NormalizeLabel(n.Type)
		if name == "" || typ == "" || seen[name] {
			continue
		}
		if types != nil && !types[typ] {
			continue
		}
		seen[name] = true
		out.Nodes = append(out.Nodes, core.GraphNode{Name: name, Type: typ, Description: strings.TrimSpace(n.Description)})
	}
	for _, r := range g.Relations {
		src, dst, label := NormalizeName(r.Source), NormalizeName(r.Target), NormalizeLabel(r.Label)
		if label == "" || src == dst || !seen[src] || !seen[dst] {
			continue
		}
		if labels != nil && !labels[label] {
			continue
		}
		out.Relations = append(out.Relations, core.GraphRelation{Source: src, Target: dst, Label: label})
	}
	return out
}

func labelSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[NormalizeLabel(v)] = true
	}
	return set
}
