package sink

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/sith-oath/apexd/extract"
)

func testEvents(jobID string) []extract.Event {
	return []extract.Event{
		{LogID: "07L000000000001", JobID: jobID, Fields: map[string]any{"name": "query", "ms": float64(12)}},
		{LogID: "07L000000000001", JobID: jobID, Fields: map[string]any{"name": "dml", "ms": float64(3)}},
	}
}

func TestEmptyUploadIsNoop(t *testing.T) {
	ctx := context.Background()
	mem := NewMemorySink()
	require.NoError(t, mem.BulkUpload(ctx, nil))
	require.NoError(t, mem.BulkUpload(ctx, []extract.Event{}))
	require.Zero(t, mem.Calls())

	require.NoError(t, NewLogSink().BulkUpload(ctx, nil))
	// an unreachable database is never touched for an empty batch
	require.NoError(t, (&PostgresSink{}).BulkUpload(ctx, nil))
}

func TestMemorySink(t *testing.T) {
	ctx := context.Background()
	mem := NewMemorySink()
	require.NoError(t, mem.BulkUpload(ctx, testEvents("707a")))
	require.NoError(t, mem.BulkUpload(ctx, testEvents("707b")[:1]))
	require.Equal(t, 2, mem.Calls())

	events := mem.Events()
	require.Len(t, events, 3)
	require.Equal(t, "707b", events[2].JobID)
	require.NoError(t, mem.Close())
}

func TestLogSink(t *testing.T) {
	require.NoError(t, NewLogSink().BulkUpload(context.Background(), testEvents("707a")))
}

// TestPostgresSink needs a database; set APEXD_TEST_POSTGRES_URI to run it.
func TestPostgresSink(t *testing.T) {
	uri := os.Getenv("APEXD_TEST_POSTGRES_URI")
	if uri == "" {
		t.Skip("APEXD_TEST_POSTGRES_URI not set")
	}
	ctx := context.Background()
	pg, err := NewPostgresSink(ctx, uri)
	require.NoError(t, err)
	defer pg.Close()
	require.NoError(t, pg.Migrate(ctx))

	jobID := uuid.NewString()
	require.NoError(t, pg.BulkUpload(ctx, testEvents(jobID)))
	n, err := pg.Count(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}
