package testrun

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sourcegraph/conc"
)

const finishedStatusLimit = 1024

// Registry runs at most one poller per job id and remembers the final status
// of recently finished jobs.
type Registry struct {
	mtx      sync.Mutex
	active   map[string]*Poller
	finished *lru.Cache
	wg       conc.WaitGroup
	closed   bool
}

func NewRegistry() *Registry {
	finished, _ := lru.New(finishedStatusLimit)
	return &Registry{
		active:   make(map[string]*Poller),
		finished: finished,
	}
}

// Start runs p in the background unless a poller for the same job is already
// active, in which case that poller is returned with started == false. Once
// the registry is closed nothing is started and poller is nil.
func (r *Registry) Start(ctx context.Context, p *Poller) (poller *Poller, started bool) {
	jobID := p.job.JobID
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if r.closed {
		log.Debug("registry closed, not starting poller", "job_id", jobID)
		return nil, false
	}
	if existing, ok := r.active[jobID]; ok {
		log.Debug("poller already active", "job_id", jobID)
		return existing, false
	}
	r.active[jobID] = p
	r.wg.Go(func() {
		defer r.deregister(p)
		p.run(ctx)
	})
	return p, true
}

func (r *Registry) deregister(p *Poller) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	delete(r.active, p.job.JobID)
	r.finished.Add(p.job.JobID, p.Status())
}

// Status returns the status of an active or recently finished job.
func (r *Registry) Status(jobID string) (Status, bool) {
	r.mtx.Lock()
	p, ok := r.active[jobID]
	r.mtx.Unlock()
	if ok {
		return p.Status(), true
	}
	if v, ok := r.finished.Get(jobID); ok {
		return v.(Status), true
	}
	return Status{}, false
}

func (r *Registry) Active() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.active)
}

// Close stops the registry from starting pollers. Pollers already running are
// left alone.
func (r *Registry) Close() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.closed = true
}

// Wait blocks until every started poller has returned.
func (r *Registry) Wait() {
	if rec := r.wg.WaitAndRecover(); rec != nil {
		log.Error("poller panicked", "panic", rec.Value, "stack", string(rec.Stack))
	}
}
