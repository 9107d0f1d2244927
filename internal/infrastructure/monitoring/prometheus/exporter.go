package prometheus

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deepmatter/chempipe/internal/infrastructure/monitoring/logging"
)

// Exporter serves the /metrics endpoint for one TrainingMetrics registry.
type Exporter struct {
	srv *http.Server
	log logging.Logger
}

// NewExporter builds an exporter listening on addr.
func NewExporter(addr string, metrics *TrainingMetrics, log logging.Logger) *Exporter {
	if log == nil {
		log = logging.NewNopLogger()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	return &Exporter{
		srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log: log.Named("metrics"),
	}
}

// Start serves metrics until Stop is called. It returns on listener errors.
func (e *Exporter) Start() error {
	e.log.Info("metrics exporter listening", logging.String("addr", e.srv.Addr))
	err := e.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the exporter down gracefully.
func (e *Exporter) Stop(ctx context.Context) error {
	return e.srv.Shutdown(ctx)
}
