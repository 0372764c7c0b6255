package salesforce

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Credentials{InstanceURL: srv.URL + "/", AccessToken: "token"}, WithMaxRetries(2))
}

func TestQueryFollowsNextRecordsURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/services/data/v36.0/query":
			assert.Equal(t, "SELECT Id FROM ApexTestResult", r.URL.Query().Get("q"))
			_, _ = w.Write([]byte(`{"totalSize":2,"done":false,"nextRecordsUrl":"/services/data/v36.0/query/01g-2000","records":[{"Id":"a"}]}`))
		case "/services/data/v36.0/query/01g-2000":
			_, _ = w.Write([]byte(`{"totalSize":2,"done":true,"records":[{"Id":"b"}]}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})

	res, err := c.Query(context.Background(), "SELECT Id FROM ApexTestResult")
	require.NoError(t, err)
	require.True(t, res.Done)
	require.Len(t, res.Records, 2)
	require.Equal(t, "a", res.Records[0].ID())
	require.Equal(t, "b", res.Records[1].ID())
}

func TestToolingCreateAndDelete(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/services/data/v36.0/tooling/sobjects/TraceFlag":
			body, _ := io.ReadAll(r.Body)
			var rec Record
			assert.NoError(t, json.Unmarshal(body, &rec))
			assert.Equal(t, "005xx", rec["TracedEntityId"])
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":"7tf000","success":true,"errors":[]}`))
		case r.Method == http.MethodDelete && r.URL.Path == "/services/data/v36.0/tooling/sobjects/TraceFlag/7tf000":
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	id, err := c.ToolingCreate(context.Background(), "TraceFlag", Record{"TracedEntityId": "005xx"})
	require.NoError(t, err)
	require.Equal(t, "7tf000", id)
	require.NoError(t, c.ToolingDelete(context.Background(), "TraceFlag", id))
}

func TestDuplicateTraceFlagError(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`[{"message":"This entity is already being traced.","errorCode":"FIELD_INTEGRITY_EXCEPTION","fields":[]}]`))
	})

	_, err := c.ToolingCreate(context.Background(), "TraceFlag", Record{})
	require.Error(t, err)
	require.True(t, IsDuplicate(err))
	require.False(t, IsStaleReference(err))
	require.Equal(t, int32(1), calls.Load(), "client errors are not retried")

	sfErr, ok := AsError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusBadRequest, sfErr.StatusCode)
	require.Equal(t, CodeFieldIntegrity, sfErr.Code)
}

func TestStaleReferenceOnDelete(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`[{"message":"entity is deleted","errorCode":"ENTITY_IS_DELETED","fields":[]}]`))
	})
	err := c.ToolingDelete(context.Background(), "TraceFlag", "7tf")
	require.True(t, IsStaleReference(err))
}

func TestRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"DailyApiRequests":{"Max":15000}}`))
	})

	limits, err := c.Limits(context.Background())
	require.NoError(t, err)
	require.Contains(t, limits, "DailyApiRequests")
	require.Equal(t, int32(2), calls.Load())
}

func TestRunTestsAsynchronousIsNotResubmitted(t *testing.T) {
	tests := []struct {
		name    string
		handler func(w http.ResponseWriter, r *http.Request)
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
			},
		},
		{
			name: "response lost to timeout",
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
				_, _ = w.Write([]byte(`"7070000000000AB"`))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var submissions atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				submissions.Add(1)
				tt.handler(w, r)
			}))
			t.Cleanup(srv.Close)
			c := NewClient(Credentials{InstanceURL: srv.URL, AccessToken: "token"},
				WithMaxRetries(3),
				WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))

			_, err := c.RunTestsAsynchronous(context.Background(), []string{"01p1"})
			require.Error(t, err)
			require.Equal(t, int32(1), submissions.Load())
		})
	}
}

func TestToolingCreateRetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`[{"errorCode":"REQUEST_LIMIT_EXCEEDED","message":"slow down"}]`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"7tf000","success":true,"errors":[]}`))
	})

	id, err := c.ToolingCreate(context.Background(), "TraceFlag", Record{"TracedEntityId": "005xx"})
	require.NoError(t, err)
	require.Equal(t, "7tf000", id)
	require.Equal(t, int32(2), calls.Load())
}

func TestRetryable(t *testing.T) {
	require.True(t, retryable(http.MethodGet, 0))
	require.True(t, retryable(http.MethodGet, http.StatusBadGateway))
	require.True(t, retryable(http.MethodDelete, http.StatusServiceUnavailable))
	require.False(t, retryable(http.MethodGet, http.StatusNotFound))
	require.True(t, retryable(http.MethodPost, http.StatusTooManyRequests))
	require.False(t, retryable(http.MethodPost, 0))
	require.False(t, retryable(http.MethodPost, http.StatusInternalServerError))
}

func TestRunTestsAsynchronousBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/data/v36.0/tooling/runTestsAsynchronous/", r.URL.Path)
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "01p1,01p2", body["classids"])
		_, _ = w.Write([]byte(`"707xx"`))
	})
	_, err := c.RunTestsAsynchronous(context.Background(), []string{"01p1", "01p2"})
	require.NoError(t, err)

	_, err = c.RunTestsAsynchronous(context.Background(), nil)
	require.Error(t, err)
}

func TestLogBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/services/data/v36.0/tooling/sobjects/ApexLog/07L1/Body", r.URL.Path)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("36.0 APEX_CODE,ERROR\n<ANALYTICS>[]</ANALYTICS>"))
	})
	body, err := c.LogBody(context.Background(), "07L1")
	require.NoError(t, err)
	require.Contains(t, body, "<ANALYTICS>")
}

func TestSearchResponseShapes(t *testing.T) {
	var wrapped atomic.Bool
	wrapped.Store(true)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if wrapped.Load() {
			_, _ = w.Write([]byte(`{"searchRecords":[{"Id":"01p1"}]}`))
			return
		}
		_, _ = w.Write([]byte(`[{"Id":"01p2"}]`))
	})

	records, err := c.Search(context.Background(), "FIND {x}")
	require.NoError(t, err)
	require.Equal(t, "01p1", records[0].ID())

	wrapped.Store(false)
	records, err = c.Search(context.Background(), "FIND {x}")
	require.NoError(t, err)
	require.Equal(t, "01p2", records[0].ID())
}

func TestParseError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		code    string
		message string
	}{
		{"platform list", 400, `[{"message":"bad","errorCode":"MALFORMED_QUERY"}]`, "MALFORMED_QUERY", "bad"},
		{"oauth", 401, `{"error":"invalid_grant","error_description":"expired access/refresh token"}`, "INVALID_GRANT", "expired access/refresh token"},
		{"empty not found", 404, ``, CodeNotFound, "Not Found"},
		{"plain text", 500, `oops`, "UNKNOWN_EXCEPTION", "oops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := parseError(tt.status, []byte(tt.body))
			assert.Equal(t, tt.status, err.StatusCode)
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.message, err.Message)
		})
	}
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `'O\'Brien'`, Quote("O'Brien"))
	assert.Equal(t, `('a','b')`, QuoteList([]string{"a", "b"}))
	assert.Equal(t, "SELECT id,name FROM ApexClass WHERE Id = 'x'", Select([]string{"id", "name"}, "ApexClass", "Id = 'x'"))
}
