package batch

import "sync"

// Registry holds one aggregator per run id so concurrent runs never share state.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]*Aggregator
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*Aggregator)}
}

// Register stores agg under its run id. It returns false if the id is taken.
func (r *Registry) Register(agg *Aggregator) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runs[agg.RunID()]; exists {
		return false
	}
	r.runs[agg.RunID()] = agg
	return true
}

// Get returns the aggregator for runID.
func (r *Registry) Get(runID string) (*Aggregator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agg, ok := r.runs[runID]
	return agg, ok
}

// Remove forgets runID.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// Len returns the number of live runs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}
