package service

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsServer struct {
	ctx    context.Context
	server *http.Server
}

// Init builds the server. It must be called before Serve and Shutdown are
// used from different goroutines.
func (m *MetricsServer) Init(ctx context.Context, addr string) {
	m.server = &http.Server{
		Handler: promhttp.Handler(),
		Addr:    addr,
	}
	m.ctx = ctx
}

func (m *MetricsServer) Serve() error {
	return m.server.ListenAndServe()
}

func (m *MetricsServer) Shutdown() error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(m.ctx)
}
