package rag

import "github.com/poiesic/handbook/core"

// QueryMonitor provides hooks to observe the query process.
// Implement this interface to track intermediate steps of ProcessQuery.
// Callbacks after AfterRetrieval run on the stream producer goroutine.
type QueryMonitor interface {
	Start(question string)
	AfterRetrieval(results []*core.SearchResult)
	BackendSelected(name string)
	Fallback(from, to string, cause error)
	Finish(err error)
}

// noopMonitor is a no-op implementation of QueryMonitor
type noopMonitor struct{}

var _ QueryMonitor = (*noopMonitor)(nil)

func (n *noopMonitor) Start(_ string)                         {}
func (n *noopMonitor) AfterRetrieval(_ []*core.SearchResult) {}
func (n *noopMonitor) BackendSelected(_ string)               {}
func (n *noopMonitor) Fallback(_, _ string, _ error)          {}
func (n *noopMonitor) Finish(_ error)                         {}
