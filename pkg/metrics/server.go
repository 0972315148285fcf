// Copyright 2025 The axfor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsServer serves /metrics for Prometheus scraping and a /health probe
type MetricsServer struct {
	server   *http.Server
	mux      *http.ServeMux
	registry *prometheus.Registry
	logger   *zap.Logger

	mu     sync.RWMutex
	health http.Handler
}

// NewMetricsServer creates a metrics HTTP server listening on addr.
func NewMetricsServer(addr string, registry *prometheus.Registry, logger *zap.Logger) *MetricsServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics:   true,
		MaxRequestsInFlight: 10,
		Timeout:             30 * time.Second,
		ErrorHandling:       promhttp.ContinueOnError,
	}))

	ms := &MetricsServer{
		mux:      mux,
		registry: registry,
		logger:   logger,
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ms.mu.RLock()
		h := ms.health
		ms.mu.RUnlock()
		if h != nil {
			h.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK\n"))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `<html>
<head><title>MetaEmbed Metrics</title></head>
<body>
<h1>MetaEmbed Metrics Server</h1>
<p>Available endpoints:</p>
<ul>
<li><a href="/metrics">/metrics</a> - Prometheus metrics</li>
<li><a href="/health">/health</a> - Health check</li>
<li><a href="/readiness">/readiness</a> - Readiness probe</li>
<li><a href="/liveness">/liveness</a> - Liveness probe</li>
</ul>
</body>
</html>`)
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	ms.server = server
	return ms
}

// SetHealth replaces the default /health handler.
func (ms *MetricsServer) SetHealth(h http.Handler) {
	ms.mu.Lock()
	ms.health = h
	ms.mu.Unlock()
}

// Handle registers an extra endpoint.
func (ms *MetricsServer) Handle(pattern string, h http.Handler) {
	ms.mux.Handle(pattern, h)
}

// Start blocks serving until Shutdown
func (ms *MetricsServer) Start() error {
	ms.logger.Info("starting metrics server",
		zap.String("addr", ms.server.Addr),
		zap.String("component", "metrics"))

	if err := ms.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		ms.logger.Error("metrics server failed",
			zap.Error(err))
		return err
	}

	return nil
}

// Shutdown gracefully stops the server
func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	ms.logger.Info("shutting down metrics server")

	if err := ms.server.Shutdown(ctx); err != nil {
		ms.logger.Error("metrics server shutdown failed",
			zap.Error(err))
		return err
	}

	ms.logger.Info("metrics server stopped")
	return nil
}

// ServeMetrics starts a metrics server in the background
func ServeMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) *MetricsServer {
	server := NewMetricsServer(addr, registry, logger)
	go func() {
		if err := server.Start(); err != nil {
			server.logger.Error("metrics server error",
				zap.Error(err))
		}
	}()
	return server
}

// Handler exposes the mux for in-process use.
func (ms *MetricsServer) Handler() http.Handler {
	return ms.server.Handler
}
