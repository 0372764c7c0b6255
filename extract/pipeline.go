package extract

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"

	"github.com/sith-oath/apexd/metadata"
	"github.com/sith-oath/apexd/metrics"
	"github.com/sith-oath/apexd/notify"
	"github.com/sith-oath/apexd/salesforce"
)

const (
	DefaultConcurrency = 4
	DefaultSeenLimit   = 10000
)

// Event is one analytics object harvested from a log.
type Event struct {
	LogID  string         `json:"logId"`
	JobID  string         `json:"jobId"`
	Fields map[string]any `json:"fields"`
}

// Uploader receives every batch of events an extraction produces.
type Uploader interface {
	BulkUpload(ctx context.Context, events []Event) error
}

type Request struct {
	JobID        string
	OrgID        string
	OwnerID      string
	QueueItemIDs []string
}

type Pipeline struct {
	resolver    *metadata.Resolver
	publisher   notify.Publisher
	uploader    Uploader
	concurrency int
	seenLimit   int

	// seen holds the ids of logs already extracted
	seen *lru.Cache
	wg   conc.WaitGroup
}

type PipelineOpt func(p *Pipeline)

func WithConcurrency(n int) PipelineOpt {
	return func(p *Pipeline) {
		p.concurrency = n
	}
}

func WithSeenLimit(n int) PipelineOpt {
	return func(p *Pipeline) {
		p.seenLimit = n
	}
}

func NewPipeline(resolver *metadata.Resolver, publisher notify.Publisher, uploader Uploader, opts ...PipelineOpt) *Pipeline {
	p := &Pipeline{
		resolver:    resolver,
		publisher:   publisher,
		uploader:    uploader,
		concurrency: DefaultConcurrency,
		seenLimit:   DefaultSeenLimit,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency <= 0 {
		p.concurrency = DefaultConcurrency
	}
	if p.seenLimit <= 0 {
		p.seenLimit = DefaultSeenLimit
	}
	p.seen, _ = lru.New(p.seenLimit)
	return p
}

type logBody struct {
	idx  int
	id   string
	body string
}

// Extract publishes the test results of the given queue items, downloads
// their logs and uploads the analytics events found in them. Logs that were
// extracted before are skipped.
func (p *Pipeline) Extract(ctx context.Context, api salesforce.API, req Request) error {
	if len(req.QueueItemIDs) == 0 {
		return nil
	}
	start := time.Now()
	lg := log.New("job_id", req.JobID)

	var results, jobs *metadata.Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		results, err = p.resolver.Query(gctx, api, req.OrgID, "ApexTestResult", "QueueItemId IN "+salesforce.QuoteList(req.QueueItemIDs))
		return err
	})
	g.Go(func() error {
		var err error
		jobs, err = p.resolver.Query(gctx, api, req.OrgID, "AsyncApexJob", "Id = "+salesforce.Quote(req.JobID))
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to query test results: %w", err)
	}
	p.publish(ctx, req, notify.EventProcessTestResults, map[string]any{
		"apexTestResult": results,
		"asyncApexJob":   jobs,
	})

	logIDs := p.unseenLogIDs(results.Records)
	if len(logIDs) == 0 {
		lg.Debug("no new logs to extract", "queue_items", len(req.QueueItemIDs))
		metrics.RecordExtraction(time.Since(start), 0, 0)
		return nil
	}

	logs, err := p.resolver.Query(ctx, api, req.OrgID, "ApexLog", "Id IN "+salesforce.QuoteList(logIDs))
	if err != nil {
		return fmt.Errorf("failed to query logs: %w", err)
	}
	p.publish(ctx, req, notify.EventProcessTestResults, map[string]any{
		"apexLog": logs,
	})

	bodies, fetchErr := p.fetchBodies(ctx, api, logIDs)

	var events []Event
	for _, b := range bodies {
		found, skipped := ParseMarkers(b.body)
		if skipped > 0 {
			lg.Warn("skipped malformed analytics blocks", "log_id", b.id, "skipped", skipped)
		}
		p.publish(ctx, req, notify.EventAnalytics, map[string]any{
			"debugLogId": b.id,
			"events":     found,
		})
		for _, fields := range found {
			events = append(events, Event{LogID: b.id, JobID: req.JobID, Fields: fields})
		}
		p.seen.Add(b.id, struct{}{})
	}

	var uploadErr error
	if len(events) > 0 && p.uploader != nil {
		if err := p.uploader.BulkUpload(ctx, events); err != nil {
			uploadErr = fmt.Errorf("failed to upload analytics: %w", err)
		}
	}

	metrics.RecordExtraction(time.Since(start), len(bodies), len(events))
	lg.Info("extracted analytics",
		"queue_items", len(req.QueueItemIDs),
		"logs", len(bodies),
		"events", len(events),
		"duration", time.Since(start))
	return errors.Join(fetchErr, uploadErr)
}

func (p *Pipeline) unseenLogIDs(results []salesforce.Record) []string {
	ids := make([]string, 0, len(results))
	distinct := make(map[string]struct{}, len(results))
	for _, rec := range results {
		id := rec.String("apexLogId")
		if id == "" {
			continue
		}
		if _, ok := distinct[id]; ok {
			continue
		}
		distinct[id] = struct{}{}
		if p.seen.Contains(id) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// fetchBodies downloads log bodies in parallel. Bodies that could be fetched
// are returned in the order of ids even when others fail.
func (p *Pipeline) fetchBodies(ctx context.Context, api salesforce.API, ids []string) ([]logBody, error) {
	bodyPool := pool.NewWithResults[logBody]().
		WithErrors().
		WithMaxGoroutines(p.concurrency).
		WithContext(ctx)
	for i, id := range ids {
		bodyPool.Go(func(ctx context.Context) (logBody, error) {
			body, err := api.LogBody(ctx, id)
			if err != nil {
				return logBody{}, fmt.Errorf("failed to fetch log %s: %w", id, err)
			}
			return logBody{idx: i, id: id, body: body}, nil
		})
	}
	fetched, err := bodyPool.Wait()
	slices.SortFunc(fetched, func(a, b logBody) int {
		return a.idx - b.idx
	})
	return fetched, err
}

func (p *Pipeline) publish(ctx context.Context, req Request, name string, data any) {
	if p.publisher == nil {
		return
	}
	p.publisher.Publish(ctx, notify.Event{
		Name:    name,
		JobID:   req.JobID,
		OwnerID: req.OwnerID,
		Data:    data,
	})
}

// Go runs Extract in the background. Failures are logged and counted; Wait
// blocks until every task started with Go has returned.
func (p *Pipeline) Go(ctx context.Context, api salesforce.API, req Request) {
	p.wg.Go(func() {
		if err := p.Extract(ctx, api, req); err != nil {
			log.Error("extraction failed",
				"job_id", req.JobID,
				"queue_items", len(req.QueueItemIDs),
				"err", err)
			metrics.RecordError("extraction")
		}
	})
}

func (p *Pipeline) Wait() {
	if r := p.wg.WaitAndRecover(); r != nil {
		log.Error("extraction panicked", "panic", r.Value, "stack", string(r.Stack))
	}
}
