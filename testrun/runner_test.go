package testrun

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sith-oath/apexd/cache"
	"github.com/sith-oath/apexd/extract"
	"github.com/sith-oath/apexd/metadata"
	"github.com/sith-oath/apexd/notify"
	"github.com/sith-oath/apexd/salesforce"
	"github.com/sith-oath/apexd/salesforce/sftest"
	"github.com/sith-oath/apexd/sink"
	"github.com/sith-oath/apexd/traceflag"
)

const (
	testOrg   = "00D000000000001"
	testOwner = "005000000000001"
)

var testCreds = salesforce.Credentials{InstanceURL: "https://example.my.salesforce.com", AccessToken: "00Dx!token"}

type orgFactory struct {
	api salesforce.API
}

func (f orgFactory) New(creds salesforce.Credentials) salesforce.API {
	return f.api
}

type harness struct {
	org    *sftest.Org
	hub    *notify.Hub
	sink   *sink.MemorySink
	states *traceflag.MemoryStateStore
	locker *traceflag.MemoryLocker
	runner *Runner

	sub    *notify.Subscription
	events []notify.Event
}

func newHarness(t *testing.T, opts ...RunnerOpt) *harness {
	t.Helper()
	h := &harness{
		org:    sftest.NewOrg(),
		hub:    notify.NewHub(notify.WithBufferSize(1024)),
		sink:   sink.NewMemorySink(),
		states: traceflag.NewMemoryStateStore(),
		locker: traceflag.NewMemoryLocker(),
	}
	resolver := metadata.NewResolver(cache.NewStore(cache.NewMemoryCache(100)))
	tracing := traceflag.NewManager(resolver, h.states)
	pipeline := extract.NewPipeline(resolver, h.hub, h.sink)
	opts = append([]RunnerOpt{WithPollInterval(10 * time.Millisecond)}, opts...)
	h.runner = NewRunner(orgFactory{api: h.org}, resolver, tracing, h.locker, pipeline, h.hub, opts...)

	h.sub = h.hub.Subscribe(notify.Filter{OwnerID: testOwner})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.runner.Shutdown(ctx)
		h.sub.Close()
	})

	level := h.org.Insert("DebugLevel", salesforce.Record{"DeveloperName": "SFDC_DevConsole"})
	h.org.Insert("TraceFlag", salesforce.Record{
		"TracedEntityId": testOwner,
		"DebugLevelId":   level,
		"LogType":        "DEVELOPER_LOG",
		"ExpirationDate": "2026-10-19T00:00:00Z",
	})
	return h
}

// named returns every event with the given name published so far. Publish
// is synchronous so nothing is missed once the runner has been waited on.
func (h *harness) named(name string) []notify.Event {
drain:
	for {
		select {
		case ev := <-h.sub.C:
			h.events = append(h.events, ev)
		default:
			break drain
		}
	}
	var out []notify.Event
	for _, ev := range h.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.runner.Wait(ctx))
}

// requireRestored checks the owner is back to the single developer console
// flag and nothing else.
func (h *harness) requireRestored(t *testing.T) {
	t.Helper()
	var flags []salesforce.Record
	for _, rec := range h.org.Records("TraceFlag") {
		if rec.String("TracedEntityId") == testOwner {
			flags = append(flags, rec)
		}
	}
	require.Len(t, flags, 1)
	require.Equal(t, "DEVELOPER_LOG", flags[0].String("LogType"))
	state, err := h.states.Get(context.Background(), testOwner)
	require.NoError(t, err)
	require.Nil(t, state)

	lease, err := h.locker.Lock(context.Background(), testOwner)
	require.NoError(t, err, "run lock must be released")
	require.NoError(t, lease.Unlock(context.Background()))
}

func isQueuePoll(soql string) bool {
	return strings.Contains(soql, " FROM ApexTestQueueItem WHERE ParentJobId")
}

func TestRunToCompletion(t *testing.T) {
	h := newHarness(t)

	// poll 1 is the initial snapshot returned by Run; each later poll is a tick
	var polls atomic.Int32
	h.org.QueryHook = func(soql string) error {
		if !isQueuePoll(soql) {
			return nil
		}
		items := h.org.Records("ApexTestQueueItem")
		switch polls.Add(1) {
		case 2:
			h.org.Update("ApexTestQueueItem", items[0].ID(), salesforce.Record{"Status": StatusProcessing})
		case 3:
			logID := h.org.Insert("ApexLog", salesforce.Record{"LogUserId": testOwner, "Operation": "ApexTest"})
			h.org.SetLogBody(logID, `|USER_DEBUG|<ANALYTICS>[{"name":"soql","ms":4},{"name":"dml","ms":9}]</ANALYTICS>`)
			h.org.Insert("ApexTestResult", salesforce.Record{"QueueItemId": items[0].ID(), "ApexLogId": logID, "Outcome": "Pass"})
			h.org.Update("ApexTestQueueItem", items[0].ID(), salesforce.Record{"Status": StatusCompleted})
			h.org.Update("ApexTestQueueItem", items[1].ID(), salesforce.Record{"Status": StatusProcessing})
		case 4:
			h.org.Update("ApexTestQueueItem", items[1].ID(), salesforce.Record{"Status": StatusFailed})
		}
		return nil
	}

	res, err := h.runner.Run(context.Background(), RunRequest{
		ClassIDs:    []string{"01p000000000001", "01p000000000002"},
		OwnerID:     testOwner,
		OrgID:       testOrg,
		Credentials: testCreds,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)
	require.Len(t, res.ApexTestQueueItem.Records, 2)
	require.Equal(t, StatusQueued, res.ApexTestQueueItem.Records[0]["status"])
	require.Contains(t, res.ApexTestQueueItem.FieldNames, "parentJobId")
	require.Len(t, res.AsyncApexJob.Records, 1)
	require.Len(t, res.ApexTestRunResult.Records, 1)

	h.wait(t)
	require.Equal(t, int32(4), polls.Load())

	statuses := h.named(notify.EventTestStatus)
	require.Len(t, statuses, 3)
	for i, want := range []bool{false, false, true} {
		data := statuses[i].Data.(map[string]any)
		require.Equal(t, "ApexTestQueueItem", data["sobjectType"])
		require.Equal(t, want, data["isCompleted"])
		require.Equal(t, res.JobID, statuses[i].JobID)
	}
	require.Len(t, statuses[0].Data.(map[string]any)["records"], 1)
	require.Len(t, statuses[1].Data.(map[string]any)["records"], 2)
	require.Len(t, statuses[2].Data.(map[string]any)["records"], 1)

	events := h.sink.Events()
	require.Len(t, events, 2)
	require.Equal(t, "soql", events[0].Fields["name"])
	require.Equal(t, res.JobID, events[0].JobID)
	require.Len(t, h.named(notify.EventAnalytics), 1)

	status, ok := h.runner.Status(res.JobID)
	require.True(t, ok)
	require.Equal(t, StateCompleted, status.State)
	require.True(t, status.IsCompleted)
	require.Empty(t, status.Error)
	require.Zero(t, h.runner.ActivePollers())

	h.requireRestored(t)
}

func TestTwoClassRunScenario(t *testing.T) {
	h := newHarness(t)

	var polls atomic.Int32
	h.org.QueryHook = func(soql string) error {
		if !isQueuePoll(soql) {
			return nil
		}
		items := h.org.Records("ApexTestQueueItem")
		// poll 1 is the snapshot returned by Run, poll 2 is tick 1
		switch polls.Add(1) {
		case 3:
			logID := h.org.Insert("ApexLog", salesforce.Record{"LogUserId": testOwner, "Operation": "ApexTest"})
			h.org.SetLogBody(logID, `|USER_DEBUG|<ANALYTICS>[{"name":"first"}]</ANALYTICS>`)
			h.org.Insert("ApexTestResult", salesforce.Record{"QueueItemId": items[0].ID(), "ApexLogId": logID, "Outcome": "Pass"})
			h.org.Update("ApexTestQueueItem", items[0].ID(), salesforce.Record{"Status": StatusCompleted})
			h.org.Update("ApexTestQueueItem", items[1].ID(), salesforce.Record{"Status": StatusProcessing})
		case 4:
			logID := h.org.Insert("ApexLog", salesforce.Record{"LogUserId": testOwner, "Operation": "ApexTest"})
			h.org.SetLogBody(logID, `|USER_DEBUG|<ANALYTICS>[{"name":"second"}]</ANALYTICS>`)
			h.org.Insert("ApexTestResult", salesforce.Record{"QueueItemId": items[1].ID(), "ApexLogId": logID, "Outcome": "Pass"})
			h.org.Update("ApexTestQueueItem", items[1].ID(), salesforce.Record{"Status": StatusCompleted})
		}
		return nil
	}

	res, err := h.runner.Run(context.Background(), RunRequest{
		ClassIDs:    []string{"01p000000000001", "01p000000000002"},
		OwnerID:     testOwner,
		OrgID:       testOrg,
		Credentials: testCreds,
	})
	require.NoError(t, err)
	h.wait(t)
	require.Equal(t, int32(4), polls.Load())

	items := h.org.Records("ApexTestQueueItem")
	require.Len(t, items, 2)

	// tick 1 saw both items still queued and published nothing
	statuses := h.named(notify.EventTestStatus)
	require.Len(t, statuses, 2)

	tick2 := statuses[0].Data.(map[string]any)
	require.Equal(t, false, tick2["isCompleted"])
	changed := tick2["records"].(Snapshot)
	require.Len(t, changed, 2)
	require.Equal(t, StatusCompleted, itemStatus(changed[0]))
	require.Equal(t, StatusProcessing, itemStatus(changed[1]))

	tick3 := statuses[1].Data.(map[string]any)
	require.Equal(t, true, tick3["isCompleted"])
	changed = tick3["records"].(Snapshot)
	require.Len(t, changed, 1)
	require.Equal(t, items[1].ID(), itemID(changed[0]))

	// each item is extracted exactly once, on the tick it completed
	var extractions []string
	for _, soql := range h.org.Queries() {
		if strings.Contains(soql, " FROM ApexTestResult WHERE QueueItemId IN") {
			extractions = append(extractions, soql)
		}
	}
	require.Len(t, extractions, 2)
	for _, item := range items {
		var n int
		for _, soql := range extractions {
			if strings.Contains(soql, item.ID()) {
				n++
			}
		}
		require.Equal(t, 1, n, "item %s", item.ID())
	}
	require.Len(t, h.named(notify.EventAnalytics), 2)
	require.Len(t, h.sink.Events(), 2)

	status, ok := h.runner.Status(res.JobID)
	require.True(t, ok)
	require.Equal(t, StateCompleted, status.State)
	h.requireRestored(t)
}

func TestRunRejectsConcurrentRunForOwner(t *testing.T) {
	h := newHarness(t)
	req := RunRequest{ClassIDs: []string{"01p000000000001"}, OwnerID: testOwner, OrgID: testOrg, Credentials: testCreds}

	res, err := h.runner.Run(context.Background(), req)
	require.NoError(t, err)

	_, err = h.runner.Run(context.Background(), req)
	require.ErrorIs(t, err, traceflag.ErrRunInProgress)

	require.Eventually(t, func() bool {
		status, ok := h.runner.Status(res.JobID)
		return ok && status.State == StatePolling
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.runner.Shutdown(ctx))

	status, _ := h.runner.Status(res.JobID)
	require.Equal(t, StateAbandoned, status.State)
	require.Contains(t, status.Error, "shutting down")
	h.requireRestored(t)
}

func TestRunValidation(t *testing.T) {
	h := newHarness(t)
	valid := RunRequest{ClassIDs: []string{"01p000000000001"}, OwnerID: testOwner, OrgID: testOrg, Credentials: testCreds}

	tests := map[string]func(r *RunRequest){
		"no classes":      func(r *RunRequest) { r.ClassIDs = nil },
		"blank class":     func(r *RunRequest) { r.ClassIDs = []string{" "} },
		"no owner":        func(r *RunRequest) { r.OwnerID = "" },
		"no org":          func(r *RunRequest) { r.OrgID = "" },
		"no access token": func(r *RunRequest) { r.Credentials.AccessToken = "" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			req := valid
			mutate(&req)
			_, err := h.runner.Run(context.Background(), req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	require.Empty(t, h.org.Queries())
}

func TestRunBeginFailureReleasesLock(t *testing.T) {
	h := newHarness(t)
	h.org.CreateHook = func(sobject string, record salesforce.Record) error {
		if sobject == "TraceFlag" && record.String("LogType") == traceflag.LogType {
			return &salesforce.Error{StatusCode: http.StatusForbidden, Code: "INSUFFICIENT_ACCESS_OR_READONLY", Message: "insufficient access rights"}
		}
		return nil
	}

	_, err := h.runner.Run(context.Background(), RunRequest{ClassIDs: []string{"01p000000000001"}, OwnerID: testOwner, OrgID: testOrg, Credentials: testCreds})
	require.Error(t, err)
	sfErr, ok := salesforce.AsError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusForbidden, sfErr.StatusCode)

	require.Empty(t, h.org.Records("AsyncApexJob"))
	h.requireRestored(t)
}

func TestPollFailureForcesRestore(t *testing.T) {
	h := newHarness(t, WithMaxTickRetries(0))
	var polls atomic.Int32
	h.org.QueryHook = func(soql string) error {
		if isQueuePoll(soql) && polls.Add(1) > 1 {
			return &salesforce.Error{StatusCode: http.StatusServiceUnavailable, Code: "SERVER_UNAVAILABLE", Message: "maintenance"}
		}
		return nil
	}

	res, err := h.runner.Run(context.Background(), RunRequest{ClassIDs: []string{"01p000000000001"}, OwnerID: testOwner, OrgID: testOrg, Credentials: testCreds})
	require.NoError(t, err)
	h.wait(t)

	status, ok := h.runner.Status(res.JobID)
	require.True(t, ok)
	require.Equal(t, StateAbandoned, status.State)
	require.Contains(t, status.Error, "failed to poll queue items")

	statuses := h.named(notify.EventTestStatus)
	require.Len(t, statuses, 1)
	data := statuses[0].Data.(map[string]any)
	require.Equal(t, false, data["isCompleted"])
	require.Contains(t, data["error"], "maintenance")

	h.requireRestored(t)
}

func TestPollRecoversAfterRetry(t *testing.T) {
	h := newHarness(t, WithMaxTickRetries(2))
	var polls atomic.Int32
	h.org.QueryHook = func(soql string) error {
		if !isQueuePoll(soql) {
			return nil
		}
		switch polls.Add(1) {
		case 2:
			return errors.New("connection reset by peer")
		case 3:
			for _, rec := range h.org.Records("ApexTestQueueItem") {
				h.org.Update("ApexTestQueueItem", rec.ID(), salesforce.Record{"Status": StatusAborted})
			}
		}
		return nil
	}

	res, err := h.runner.Run(context.Background(), RunRequest{ClassIDs: []string{"01p000000000001"}, OwnerID: testOwner, OrgID: testOrg, Credentials: testCreds})
	require.NoError(t, err)
	h.wait(t)

	status, _ := h.runner.Status(res.JobID)
	require.Equal(t, StateCompleted, status.State)
	require.Empty(t, h.sink.Events(), "aborted items are not extracted")
	h.requireRestored(t)
}

func TestMaxDurationForcesRestore(t *testing.T) {
	h := newHarness(t, WithMaxDuration(50*time.Millisecond))

	res, err := h.runner.Run(context.Background(), RunRequest{ClassIDs: []string{"01p000000000001"}, OwnerID: testOwner, OrgID: testOrg, Credentials: testCreds})
	require.NoError(t, err)
	h.wait(t)

	status, _ := h.runner.Status(res.JobID)
	require.Equal(t, StateAbandoned, status.State)
	require.Contains(t, status.Error, "max duration")
	h.requireRestored(t)
}

func TestRunAfterShutdownIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.runner.Shutdown(ctx))

	_, err := h.runner.Run(context.Background(), RunRequest{ClassIDs: []string{"01p000000000001"}, OwnerID: testOwner, OrgID: testOrg, Credentials: testCreds})
	require.ErrorIs(t, err, ErrShuttingDown)
	require.Empty(t, h.org.Records("AsyncApexJob"))
	h.requireRestored(t)
}

func TestRunRestoresTracingWhenRegistryClosed(t *testing.T) {
	h := newHarness(t)
	// shutdown has closed the registry but not yet cancelled the runner
	h.runner.registry.Close()

	_, err := h.runner.Run(context.Background(), RunRequest{ClassIDs: []string{"01p000000000001"}, OwnerID: testOwner, OrgID: testOrg, Credentials: testCreds})
	require.ErrorIs(t, err, ErrShuttingDown)
	require.Zero(t, h.runner.ActivePollers())
	h.requireRestored(t)
}

func TestRegistryRefusesAfterClose(t *testing.T) {
	reg := NewRegistry()
	reg.Close()
	got, started := reg.Start(context.Background(), &Poller{job: Job{JobID: "707000000000001"}})
	require.False(t, started)
	require.Nil(t, got)
	require.Zero(t, reg.Active())
	reg.Wait()
}

func TestRegistryStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	res, err := h.runner.Run(context.Background(), RunRequest{ClassIDs: []string{"01p000000000001"}, OwnerID: testOwner, OrgID: testOrg, Credentials: testCreds})
	require.NoError(t, err)

	h.runner.registry.mtx.Lock()
	first, ok := h.runner.registry.active[res.JobID]
	h.runner.registry.mtx.Unlock()
	require.True(t, ok)
	got, started := h.runner.registry.Start(context.Background(), &Poller{job: Job{JobID: res.JobID}})
	require.False(t, started)
	require.Same(t, first, got)
	require.Equal(t, 1, h.runner.ActivePollers())

	_, ok = h.runner.Status("707000000000999")
	require.False(t, ok)
}
