package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealthzHandle(t *testing.T) {
	h := &HealthzServer{}
	rec := httptest.NewRecorder()
	h.Handle(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
}

func TestHealthzHandleFailingCheck(t *testing.T) {
	h := &HealthzServer{Check: func(ctx context.Context) error {
		return errors.New("redis: connection refused")
	}}
	rec := httptest.NewRecorder()
	h.Handle(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestShutdownBeforeStart(t *testing.T) {
	s := New(Config{
		Healthz: HealthzConfig{Enabled: true},
		Metrics: MetricsConfig{Enabled: true},
	})
	require.NotPanics(t, s.Shutdown)
}

func TestShutdownRightAfterStart(t *testing.T) {
	s := New(Config{
		Healthz: HealthzConfig{Enabled: true, Host: "127.0.0.1", Port: "0"},
		Metrics: MetricsConfig{Enabled: true, Host: "127.0.0.1", Port: "0"},
	})
	s.Start(context.Background())
	require.NotPanics(t, s.Shutdown)
}

func TestServeAfterShutdownReturnsClosed(t *testing.T) {
	h := &HealthzServer{}
	h.Init(context.Background(), "127.0.0.1:0")
	require.NoError(t, h.Shutdown())
	require.ErrorIs(t, h.Serve(), http.ErrServerClosed)

	m := &MetricsServer{}
	m.Init(context.Background(), "127.0.0.1:0")
	require.NoError(t, m.Shutdown())
	require.ErrorIs(t, m.Serve(), http.ErrServerClosed)
}
