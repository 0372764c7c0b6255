package testrun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/sith-oath/apexd/backoff"
	"github.com/sith-oath/apexd/extract"
	"github.com/sith-oath/apexd/metadata"
	"github.com/sith-oath/apexd/metrics"
	"github.com/sith-oath/apexd/notify"
	"github.com/sith-oath/apexd/salesforce"
	"github.com/sith-oath/apexd/traceflag"
)

const (
	DefaultPollInterval   = 3 * time.Second
	DefaultMaxTickRetries = 5
	restoreTimeout        = time.Minute

	queueItemSObject = "ApexTestQueueItem"
)

type State string

const (
	StateSubmitted State = "submitted"
	StatePolling   State = "polling"
	StateCompleted State = "completed"
	// StateAbandoned means polling stopped before every item was terminal
	// and tracing was restored anyway.
	StateAbandoned State = "abandoned"
)

type Job struct {
	JobID    string   `json:"jobId"`
	ClassIDs []string `json:"classIds"`
	OwnerID  string   `json:"ownerId"`
	OrgID    string   `json:"orgId"`
}

// Status is a point-in-time view of a poller.
type Status struct {
	Job
	State       State     `json:"state"`
	IsCompleted bool      `json:"isCompleted"`
	Records     Snapshot  `json:"records"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Poller watches one job's queue items until all of them are terminal, then
// restores the owner's tracing and releases the owner lock.
type Poller struct {
	job       Job
	api       salesforce.API
	resolver  *metadata.Resolver
	tracing   *traceflag.Manager
	lease     traceflag.Lease
	pipeline  *extract.Pipeline
	publisher notify.Publisher
	log       log.Logger

	interval       time.Duration
	maxTickRetries int
	maxDuration    time.Duration
	// extractCtx outlives the poll loop so extraction can finish after it.
	extractCtx context.Context

	mtx       sync.Mutex
	state     State
	snapshot  Snapshot
	completed map[string]bool
	err       error
	startedAt time.Time
	updatedAt time.Time
}

func (p *Poller) Job() Job {
	return p.job
}

func (p *Poller) Status() Status {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	s := Status{
		Job:         p.job,
		State:       p.state,
		IsCompleted: IsCompleted(p.snapshot),
		Records:     p.snapshot,
		StartedAt:   p.startedAt,
		UpdatedAt:   p.updatedAt,
	}
	if p.err != nil {
		s.Error = p.err.Error()
	}
	return s
}

func (p *Poller) setState(state State) {
	p.mtx.Lock()
	p.state = state
	p.updatedAt = time.Now()
	p.mtx.Unlock()
}

func (p *Poller) run(ctx context.Context) {
	metrics.IncActivePollers()
	defer metrics.DecActivePollers()

	if p.maxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.maxDuration)
		defer cancel()
	}

	p.setState(StatePolling)
	p.log.Info("polling test run", "classes", len(p.job.ClassIDs), "interval", p.interval)

	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.abandon(p.stopReason(ctx))
			return
		case <-timer.C:
		}

		done, err := p.tick(ctx)
		if err != nil {
			if ctx.Err() != nil {
				err = p.stopReason(ctx)
			}
			p.abandon(err)
			return
		}
		if done {
			p.finish()
			return
		}
		if err := p.lease.Extend(ctx); err != nil {
			p.log.Warn("failed to extend run lock", "owner", p.job.OwnerID, "err", err)
		}
		timer.Reset(p.interval)
	}
}

func (p *Poller) stopReason(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("test run exceeded max duration of %s", p.maxDuration)
	}
	return errors.New("shutting down")
}

// tick polls the queue once, retrying failed queries with backoff, and
// reports whether every item is terminal.
func (p *Poller) tick(ctx context.Context) (bool, error) {
	var curr Snapshot
	for attempt := 0; ; attempt++ {
		res, err := p.resolver.Query(ctx, p.api, p.job.OrgID, queueItemSObject, "ParentJobId = "+salesforce.Quote(p.job.JobID))
		if err == nil {
			curr = res.Records
			break
		}
		metrics.RecordPollTick("error")
		if attempt >= p.maxTickRetries {
			return false, fmt.Errorf("failed to poll queue items after %d attempts: %w", attempt+1, err)
		}
		wait := backoff.Exponential(attempt, backoff.DefaultMax)
		p.log.Warn("retrying queue item poll",
			"attempt_count", attempt+1,
			"max_retries", p.maxTickRetries,
			"backoff", wait,
			"err", err)
		if err := backoff.Sleep(ctx, wait); err != nil {
			return false, err
		}
	}

	p.mtx.Lock()
	changed := Diff(p.snapshot, curr)
	isCompleted := IsCompleted(curr)
	var newlyCompleted []string
	for _, rec := range curr {
		id := itemID(rec)
		if itemStatus(rec) == StatusCompleted && !p.completed[id] {
			p.completed[id] = true
			newlyCompleted = append(newlyCompleted, id)
		}
	}
	p.snapshot = curr
	p.updatedAt = time.Now()
	p.mtx.Unlock()

	if len(changed) > 0 {
		p.publisher.Publish(ctx, notify.Event{
			Name:    notify.EventTestStatus,
			JobID:   p.job.JobID,
			OwnerID: p.job.OwnerID,
			Data: map[string]any{
				"sobjectType": queueItemSObject,
				"records":     changed,
				"isCompleted": isCompleted,
			},
		})
	}
	if len(newlyCompleted) > 0 {
		p.log.Debug("extracting completed items", "items", len(newlyCompleted))
		p.pipeline.Go(p.extractCtx, p.api, extract.Request{
			JobID:        p.job.JobID,
			OrgID:        p.job.OrgID,
			OwnerID:      p.job.OwnerID,
			QueueItemIDs: newlyCompleted,
		})
	}
	metrics.RecordPollTick("ok")
	return isCompleted, nil
}

func (p *Poller) finish() {
	p.release()
	p.setState(StateCompleted)
	metrics.RecordTestRun(string(StateCompleted))
	p.log.Info("test run completed")
}

// abandon stops polling early. Tracing is restored and the owner lock
// released exactly as on completion.
func (p *Poller) abandon(reason error) {
	p.log.Error("abandoning test run", "err", reason)
	metrics.RecordErrorDetails("poller", reason)
	p.mtx.Lock()
	p.err = reason
	p.mtx.Unlock()

	p.release()
	p.setState(StateAbandoned)
	metrics.RecordTestRun(string(StateAbandoned))

	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()
	p.publisher.Publish(ctx, notify.Event{
		Name:    notify.EventTestStatus,
		JobID:   p.job.JobID,
		OwnerID: p.job.OwnerID,
		Data: map[string]any{
			"sobjectType": queueItemSObject,
			"records":     Snapshot{},
			"isCompleted": false,
			"error":       reason.Error(),
		},
	})
}

func (p *Poller) release() {
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()
	if err := p.tracing.End(ctx, p.api, p.job.OrgID, p.job.OwnerID); err != nil {
		p.log.Error("failed to restore tracing", "owner", p.job.OwnerID, "err", err)
	}
	if err := p.lease.Unlock(ctx); err != nil {
		p.log.Warn("failed to release run lock", "owner", p.job.OwnerID, "err", err)
	}
}
