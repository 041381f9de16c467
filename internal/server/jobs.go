package server

import (
	"sort"
	"sync"

	"git.home.luguber.info/inful/sketchrender/internal/pipeline"
)

// jobTable holds snapshots of jobs that have not reached a terminal state.
type jobTable struct {
	mu   sync.RWMutex
	jobs map[string]pipeline.Job
}

func newJobTable() *jobTable {
	return &jobTable{jobs: make(map[string]pipeline.Job)}
}

// OnStateChange implements pipeline.Observer.
func (t *jobTable) OnStateChange(j pipeline.Job) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j.State.Terminal() {
		delete(t.jobs, j.ID)
		return
	}
	t.jobs[j.ID] = j
}

func (t *jobTable) Running() []pipeline.Job {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]pipeline.Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].StartedAt.Before(out[b].StartedAt) })
	return out
}

func (t *jobTable) Lookup(id string) (pipeline.Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	j, ok := t.jobs[id]
	return j, ok
}

func (t *jobTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}
