package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server manages the Prometheus metrics HTTP server.
type Server struct {
	server   *http.Server
	port     int
	endpoint string
}

// NewServer creates a metrics server instance serving the engine metrics
// plus the Go runtime and process collectors.
func NewServer(port int, endpoint string) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registry.MustRegister(Collectors()...)

	mux := http.NewServeMux()
	mux.Handle(endpoint, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	return &Server{
		server:   &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux},
		port:     port,
		endpoint: endpoint,
	}
}

// Start begins serving metrics on the configured port.
func (s *Server) Start() {
	go func() {
		logrus.Infof("metrics server listening on port %d%s", s.port, s.endpoint)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Errorf("metrics server error: %v", err)
		}
	}()
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
