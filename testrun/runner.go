package testrun

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/sith-oath/apexd/extract"
	"github.com/sith-oath/apexd/metadata"
	"github.com/sith-oath/apexd/metrics"
	"github.com/sith-oath/apexd/notify"
	"github.com/sith-oath/apexd/salesforce"
	"github.com/sith-oath/apexd/traceflag"
)

var (
	ErrInvalidRequest = errors.New("invalid test run request")
	ErrShuttingDown   = errors.New("test runner is shutting down")
)

// APIFactory builds a platform client for a set of credentials.
type APIFactory interface {
	New(creds salesforce.Credentials) salesforce.API
}

type RunRequest struct {
	ClassIDs    []string
	OwnerID     string
	OrgID       string
	Credentials salesforce.Credentials
}

func (r RunRequest) Validate() error {
	if len(r.ClassIDs) == 0 {
		return fmt.Errorf("%w: at least one class id is required", ErrInvalidRequest)
	}
	for _, id := range r.ClassIDs {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: class ids must not be empty", ErrInvalidRequest)
		}
	}
	if r.OwnerID == "" {
		return fmt.Errorf("%w: owner id is required", ErrInvalidRequest)
	}
	if r.OrgID == "" {
		return fmt.Errorf("%w: org id is required", ErrInvalidRequest)
	}
	if err := r.Credentials.Validate(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	return nil
}

type RunResult struct {
	JobID             string           `json:"jobId"`
	ApexTestQueueItem *metadata.Result `json:"apexTestQueueItem"`
	AsyncApexJob      *metadata.Result `json:"asyncApexJob"`
	ApexTestRunResult *metadata.Result `json:"apexTestRunResult"`
}

type RunnerOpt func(r *Runner)

func WithPollInterval(d time.Duration) RunnerOpt {
	return func(r *Runner) {
		r.interval = d
	}
}

func WithMaxTickRetries(n int) RunnerOpt {
	return func(r *Runner) {
		r.maxTickRetries = n
	}
}

// WithMaxDuration bounds how long a job is polled. Zero polls until every
// item is terminal.
func WithMaxDuration(d time.Duration) RunnerOpt {
	return func(r *Runner) {
		r.maxDuration = d
	}
}

// Runner starts test runs and owns their pollers.
type Runner struct {
	factory   APIFactory
	resolver  *metadata.Resolver
	tracing   *traceflag.Manager
	locker    traceflag.Locker
	pipeline  *extract.Pipeline
	publisher notify.Publisher
	registry  *Registry

	interval       time.Duration
	maxTickRetries int
	maxDuration    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func NewRunner(
	factory APIFactory,
	resolver *metadata.Resolver,
	tracing *traceflag.Manager,
	locker traceflag.Locker,
	pipeline *extract.Pipeline,
	publisher notify.Publisher,
	opts ...RunnerOpt,
) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		factory:        factory,
		resolver:       resolver,
		tracing:        tracing,
		locker:         locker,
		pipeline:       pipeline,
		publisher:      publisher,
		registry:       NewRegistry(),
		interval:       DefaultPollInterval,
		maxTickRetries: DefaultMaxTickRetries,
		ctx:            ctx,
		cancel:         cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run swaps in analytics tracing for the owner, submits the classes and
// starts polling the resulting job. The initial queue, job and run records
// are returned. A failure after tracing was swapped restores it before
// returning.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if r.ctx.Err() != nil {
		return nil, ErrShuttingDown
	}
	api := r.factory.New(req.Credentials)

	lease, err := r.locker.Lock(ctx, req.OwnerID)
	if err != nil {
		return nil, err
	}
	cleanup := func(cause error) {
		log.Warn("test run failed to start, restoring tracing", "owner", req.OwnerID, "err", cause)
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
		defer cancel()
		if err := r.tracing.End(cctx, api, req.OrgID, req.OwnerID); err != nil {
			log.Error("failed to restore tracing", "owner", req.OwnerID, "err", err)
		}
		if err := lease.Unlock(cctx); err != nil {
			log.Warn("failed to release run lock", "owner", req.OwnerID, "err", err)
		}
		metrics.RecordTestRun("failed")
	}

	if _, err := r.tracing.Begin(ctx, api, req.OrgID, req.OwnerID); err != nil {
		cleanup(err)
		return nil, fmt.Errorf("failed to begin analytics trace: %w", err)
	}

	jobID, err := api.RunTestsAsynchronous(ctx, req.ClassIDs)
	if err != nil {
		cleanup(err)
		return nil, fmt.Errorf("failed to submit tests: %w", err)
	}
	lg := log.New("job_id", jobID)
	lg.Info("submitted tests", "owner", req.OwnerID, "classes", len(req.ClassIDs))

	res, err := r.initialRecords(ctx, api, req.OrgID, jobID)
	if err != nil {
		cleanup(err)
		return nil, err
	}

	now := time.Now()
	p := &Poller{
		job: Job{
			JobID:    jobID,
			ClassIDs: req.ClassIDs,
			OwnerID:  req.OwnerID,
			OrgID:    req.OrgID,
		},
		api:            api,
		resolver:       r.resolver,
		tracing:        r.tracing,
		lease:          lease,
		pipeline:       r.pipeline,
		publisher:      r.publisher,
		log:            lg,
		interval:       r.interval,
		maxTickRetries: r.maxTickRetries,
		maxDuration:    r.maxDuration,
		extractCtx:     r.ctx,
		state:          StateSubmitted,
		snapshot:       res.ApexTestQueueItem.Records,
		completed:      make(map[string]bool),
		startedAt:      now,
		updatedAt:      now,
	}
	if _, started := r.registry.Start(r.ctx, p); !started {
		cleanup(ErrShuttingDown)
		return nil, ErrShuttingDown
	}
	metrics.RecordTestRun(string(StateSubmitted))
	return res, nil
}

func (r *Runner) initialRecords(ctx context.Context, api salesforce.API, orgID string, jobID string) (*RunResult, error) {
	res := &RunResult{JobID: jobID}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		res.ApexTestQueueItem, err = r.resolver.Query(gctx, api, orgID, queueItemSObject, "ParentJobId = "+salesforce.Quote(jobID))
		return err
	})
	g.Go(func() error {
		var err error
		res.AsyncApexJob, err = r.resolver.Query(gctx, api, orgID, "AsyncApexJob", "Id = "+salesforce.Quote(jobID))
		return err
	})
	g.Go(func() error {
		var err error
		res.ApexTestRunResult, err = r.resolver.Query(gctx, api, orgID, "ApexTestRunResult", "AsyncApexJobId = "+salesforce.Quote(jobID))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to query submitted job: %w", err)
	}
	return res, nil
}

// Status returns the state of an active or recently finished job.
func (r *Runner) Status(jobID string) (Status, bool) {
	return r.registry.Status(jobID)
}

func (r *Runner) ActivePollers() int {
	return r.registry.Active()
}

// Wait blocks until every poller and every extraction they started has
// returned, or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.registry.Wait()
		r.pipeline.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops every poller, which restores tracing for its owner, and
// waits for them.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.registry.Close()
	r.cancel()
	return r.Wait(ctx)
}
