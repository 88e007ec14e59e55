package search

import (
	"github.com/poiesic/kgraph/core"
)

// SearchMonitor provides hooks to observe the search process.
// Implement this interface to track intermediate steps and results during search.
type SearchMonitor interface {
	Start(query Query)
	AfterDatasetResolution(datasets []core.ID)
	AfterVectorSearch(datasetID core.ID, hits []core.ScoredVector)
	AfterKeywordMatch(datasetID core.ID, keywords []string, candidates int)
	AfterExpansion(datasetID core.ID, edges []*core.Edge)
	Finish(results []*Result)
}

// noopMonitor is a no-op implementation of SearchMonitor
type noopMonitor struct{}

var _ SearchMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ Query) {}
func (n *noopMonitor) AfterDatasetResolution(_ []core.ID) {}
func (n *noopMonitor) AfterVectorSearch(_ core.ID, _ []core.ScoredVector) {}
func (n *noopMonitor) AfterKeywordMatch(_ core.ID, _ []string, _ int) {}
func (n *noopMonitor) AfterExpansion(_ core.ID, _ []*core.Edge) {}
func (n *noopMonitor) Finish(_ []*Result) {}
