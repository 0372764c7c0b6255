package service

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
)

// HealthzServer answers /healthz. When Check is set it is consulted on every
// request and a failure is reported as 503.
type HealthzServer struct {
	Check func(ctx context.Context) error

	ctx    context.Context
	server *http.Server
}

// Init builds the server. It must be called before Serve and Shutdown are
// used from different goroutines.
func (h *HealthzServer) Init(ctx context.Context, addr string) {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	h.server = &http.Server{
		Handler: c.Handler(hdlr),
		Addr:    addr,
	}
	h.ctx = ctx
}

func (h *HealthzServer) Serve() error {
	return h.server.ListenAndServe()
}

func (h *HealthzServer) Shutdown() error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(h.ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	log.Debug("received health check request", "path", r.URL.Path)
	if h.Check != nil {
		if err := h.Check(r.Context()); err != nil {
			log.Warn("health check failed", "err", err)
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("OK")) //nolint:errcheck
}
