package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eddielth/oceanflow/logger"
)

// HealthFunc reports whether the component is healthy
type HealthFunc func() error

// Router returns the HTTP handler serving /metrics and /healthz
func (m *Metrics) Router(component string, health HealthFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusOK
		body := map[string]string{"component": component, "status": "ok"}
		if health != nil {
			if err := health(); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "unhealthy"
				body["error"] = err.Error()
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
	return r
}

// Serve runs the HTTP endpoint on addr until ctx is cancelled
func (m *Metrics) Serve(ctx context.Context, addr, component string, health HealthFunc) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           m.Router(component, health),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics endpoint listening on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
