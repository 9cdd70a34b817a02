package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/usrp-recorder/internal/config"
	"github.com/skypro1111/usrp-recorder/internal/events"
	"github.com/skypro1111/usrp-recorder/internal/metrics"
	"github.com/skypro1111/usrp-recorder/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	receiver *Receiver
	hub      *events.Hub
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	upload   UploadStatsProvider

	startTime time.Time
}

// UploadStatsProvider reports HTTP upload sink statistics
type UploadStatsProvider interface {
	GetStats() storage.UploaderStats
}

// HTTPOption configures an HTTPServer
type HTTPOption func(*HTTPServer)

// WithUploadStats exposes upload statistics under /stats and /stats/upload
func WithUploadStats(p UploadStatsProvider) HTTPOption {
	return func(h *HTTPServer) {
		h.upload = p
	}
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	receiver *Receiver, hub *events.Hub, m *metrics.Metrics, gatherer prometheus.Gatherer,
	opts ...HTTPOption) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		receiver:  receiver,
		hub:       hub,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         cfg.HTTPListenAddress(),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/upload", h.withMetrics("/stats/upload", h.handleUploadStats))
	mux.HandleFunc("/transmission", h.withMetrics("/transmission", h.handleTransmission))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics and the websocket feed are not wrapped
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	if h.hub != nil {
		mux.Handle("/events", h.hub)
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		if h.metrics == nil {
			return
		}

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (h *HTTPServer) Run(ctx context.Context) error {
	h.logger.Info("Starting HTTP API server", slog.String("address", h.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server error: %w", err)

	case <-ctx.Done():
		h.logger.Info("Stopping HTTP API server...")

		if h.hub != nil {
			h.hub.Close()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.receiver.GetStatistics()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    "usrp-recorder",
			"version": "1.0.0",
		},
		"components": map[string]any{
			"receiver": map[string]any{
				"status":             "running",
				"datagrams_received": stats.DatagramsReceived,
				"decode_errors":      stats.DecodeErrors,
				"queue_size":         stats.QueueSize,
			},
		},
	}

	writeJSON(w, health)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"receiver":  h.receiver.GetStatistics(),
	}
	if h.hub != nil {
		stats["event_clients"] = h.hub.Clients()
	}
	if h.upload != nil {
		stats["upload"] = h.upload.GetStats()
	}

	writeJSON(w, stats)
}

// handleUploadStats implements the /stats/upload endpoint
func (h *HTTPServer) handleUploadStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.upload == nil {
		http.Error(w, "Upload is not enabled", http.StatusNotFound)
		return
	}

	writeJSON(w, h.upload.GetStats())
}

// handleTransmission implements the /transmission endpoint
func (h *HTTPServer) handleTransmission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, h.receiver.Tracker().Snapshot())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := h.config
	sanitizedConfig := map[string]any{
		"group":            c.Group,
		"receive_address":  c.ReceiveAddress,
		"audio_write_path": c.AudioWritePath,
		"server": map[string]any{
			"read_buffer_size":   c.Server.ReadBufferSize,
			"socket_buffer_size": c.Server.SocketBufferSize,
		},
		"storage": map[string]any{
			"format":       c.Storage.Format,
			"sample_rate":  c.Storage.SampleRate,
			"file_mode":    fmt.Sprintf("%04o", c.Storage.FileMode),
			"sidecar":      c.Storage.Sidecar,
			"min_duration": c.Storage.MinDuration,
			"max_duration": c.Storage.MaxDuration,
			"skip_empty":   c.Storage.SkipEmpty,
			"queue_size":   c.Storage.QueueSize,
		},
		"upload": map[string]any{
			"enabled":     c.Upload.Enabled,
			"endpoint":    c.Upload.Endpoint,
			"timeout":     c.Upload.Timeout,
			"max_retries": c.Upload.MaxRetries,
			// api_key omitted
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}

	writeJSON(w, sanitizedConfig)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]any{
		"service": "USRP Recorder",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":             "API documentation",
			"GET /health":       "Service health check",
			"GET /stats":        "Receiver statistics",
			"GET /stats/upload": "Upload sink statistics",
			"GET /transmission": "Current transmission",
			"GET /config":       "Service configuration",
			"GET /metrics":      "Prometheus metrics",
			"GET /events":       "Websocket transmission event feed",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, apiDoc)
}
