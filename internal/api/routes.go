package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// setupRoutes wires every route of the Ingress Facade and Query Surface
// (§4.1, §6.1-6.4) onto mux.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/", s.handleNotFound)

	mux.HandleFunc("GET /api/v1/info", s.handleInfo)

	mux.HandleFunc("POST /api/v1/runs/batch", s.handleBatch)

	if s.config.OTLPHTTPEnabled {
		mux.HandleFunc("POST "+s.config.OTLPHTTPPath, s.handleOTLPTraces)
	}

	mux.HandleFunc("GET /api/v1/dashboard/runs/roots", s.handleDashboardRoots)
	mux.HandleFunc("GET /api/v1/dashboard/runs/{trace_id}/hierarchy", s.handleDashboardHierarchy)
	mux.HandleFunc("GET /api/v1/dashboard/stats/summary", s.handleDashboardSummary)
	mux.HandleFunc("POST /api/v1/dashboard/cleanup/stale-runs", s.handleDashboardCleanup)

	if s.bus != nil {
		mux.HandleFunc("/ws", s.bus.ServeWS)
	}
}

// handlePing responds to basic liveness checks.
func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("pong"))
}

// handleReady responds to readiness probes, verifying the storage backend
// is reachable when a HealthChecker is configured.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.health.HealthCheck(ctx); err != nil {
		s.logger.Error("storage health check failed", slog.String("error", err.Error()))

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("storage unavailable"))

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// healthResponse is the wire shape of GET /health.
type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
	Uptime  string `json:"uptime,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	s.writeJSON(w, r, http.StatusOK, healthResponse{
		Status:  "healthy",
		Service: "tracecollector",
		Version: serviceVersion,
		Uptime:  uptime,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

const serviceVersion = "1.0.0-dev"

// infoResponse is the wire shape of GET /api/v1/info, mirroring the
// LangSmith-compatible `/info` contract the batch ingress shares with
// real LangSmith clients (§6.1).
type infoResponse struct {
	Version               string              `json:"version"`
	LicenseExpirationTime string              `json:"license_expiration_time"`
	BatchIngestConfig     batchIngestConfig   `json:"batch_ingest_config"`
	TenantHandle          string              `json:"tenant_handle"`
}

type batchIngestConfig struct {
	ScaleUpQPSThreshold   int `json:"scale_up_qps_threshold"`
	ScaleUpNThreads       int `json:"scale_up_nthreads_limit"`
	ScaleDownNEmptyTrigger int `json:"scale_down_nempty_trigger"`
	SizeLimitBytes        int `json:"size_limit_bytes"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, infoResponse{
		Version:               serviceVersion,
		LicenseExpirationTime: "2099-01-01T00:00:00Z",
		TenantHandle:          "default",
		BatchIngestConfig: batchIngestConfig{
			ScaleUpQPSThreshold:    10,
			ScaleUpNThreads:        4,
			ScaleDownNEmptyTrigger: 4,
			SizeLimitBytes:         20 * 1024 * 1024,
		},
	})
}

// writeJSON marshals body and writes it with the given status code, logging
// (but not surfacing) encode failures, matching this package's handler
// pattern of marshal-then-write.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.logger.Error("failed to marshal response", slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("failed to write response", slog.String("error", err.Error()))
	}
}
