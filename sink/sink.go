package sink

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/log"

	"github.com/sith-oath/apexd/extract"
	"github.com/sith-oath/apexd/metrics"
)

// Sink stores analytics events. BulkUpload with no events succeeds without
// doing anything.
type Sink interface {
	BulkUpload(ctx context.Context, events []extract.Event) error
	Close() error
}

var (
	_ Sink = (*PostgresSink)(nil)
	_ Sink = (*LogSink)(nil)
	_ Sink = (*MemorySink)(nil)
)

// LogSink only logs what it receives.
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (l *LogSink) BulkUpload(ctx context.Context, events []extract.Event) error {
	if len(events) == 0 {
		return nil
	}
	jobs := make(map[string]int)
	for _, ev := range events {
		jobs[ev.JobID]++
	}
	for job, n := range jobs {
		log.Info("received analytics events", "job_id", job, "events", n)
	}
	metrics.RecordSinkUpload("log", nil)
	return nil
}

func (l *LogSink) Close() error {
	return nil
}

type MemorySink struct {
	mtx    sync.Mutex
	events []extract.Event
	calls  int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) BulkUpload(ctx context.Context, events []extract.Event) error {
	if len(events) == 0 {
		return nil
	}
	m.mtx.Lock()
	defer m.mtx.Unlock()
	m.events = append(m.events, events...)
	m.calls++
	metrics.RecordSinkUpload("memory", nil)
	return nil
}

func (m *MemorySink) Events() []extract.Event {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return append([]extract.Event(nil), m.events...)
}

// Calls returns how many non-empty uploads were received.
func (m *MemorySink) Calls() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.calls
}

func (m *MemorySink) Close() error {
	return nil
}
