// Package health provides health, readiness, and liveness endpoints
// for gomta: storage backend reachability, DNS resolver reachability
// for MX lookups, and (when configured) the shared Redis MX cache.
//
// Grounded on the teacher's internal/health package (structured JSON
// responses, a ready flag toggled around graceful shutdown, a
// configurable per-check timeout) generalized from the webapp's
// database/Redis pair to the queue/relay collaborators this service
// actually depends on.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/webrana/gomta/internal/relay"
	"github.com/webrana/gomta/internal/storage"
)

// ServiceStatus represents the status of a single dependency.
type ServiceStatus struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the structured health check response body.
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Services  map[string]ServiceStatus `json:"services"`
	Version   string                   `json:"version,omitempty"`
}

// ReadinessResponse is the readiness probe response body.
type ReadinessResponse struct {
	Ready     bool   `json:"ready"`
	Timestamp string `json:"timestamp"`
}

// LivenessResponse is the liveness probe response body.
type LivenessResponse struct {
	Alive     bool   `json:"alive"`
	Timestamp string `json:"timestamp"`
}

// pinger is implemented by storage.Storage backends that can report
// reachability more cheaply than a full LoadAll (ondisk.Store,
// postgres.Store both implement it).
type pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves health, readiness, and liveness endpoints.
type Handler struct {
	store       storage.Storage
	resolver    relay.Resolver
	dnsCheckZone string
	redisClient *redis.Client
	version     string
	timeout     time.Duration
	ready       bool
	mu          sync.RWMutex
}

// Config holds health handler configuration.
type Config struct {
	Store    storage.Storage
	Resolver relay.Resolver
	// DNSCheckZone is the domain queried at each health check to prove
	// the relay's DNS resolver path is reachable. A well-known zone
	// with a stable MX/A record works best.
	DNSCheckZone string
	RedisClient  *redis.Client // optional: shared MX cache reachability
	Version      string
	Timeout      time.Duration // default 5s
}

// NewHandler creates a new health check handler.
func NewHandler(cfg Config) *Handler {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	zone := cfg.DNSCheckZone
	if zone == "" {
		zone = "example.com"
	}

	return &Handler{
		store:        cfg.Store,
		resolver:     cfg.Resolver,
		dnsCheckZone: zone,
		redisClient:  cfg.RedisClient,
		version:      cfg.Version,
		timeout:      timeout,
		ready:        true,
	}
}

// SetReady sets the readiness state, toggled false during graceful
// shutdown drain so load balancers stop routing new connections.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the current readiness state.
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Health handles the main health check endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	services := make(map[string]ServiceStatus)
	overallStatus := "healthy"

	storageStatus := h.checkStorage(ctx)
	services["storage"] = storageStatus
	if storageStatus.Status != "up" {
		overallStatus = "degraded"
	}

	dnsStatus := h.checkResolver(ctx)
	services["dns_resolver"] = dnsStatus
	if dnsStatus.Status != "up" {
		overallStatus = "degraded"
	}

	if h.redisClient != nil {
		redisStatus := h.checkRedis(ctx)
		services["mx_cache"] = redisStatus
		if redisStatus.Status != "up" {
			overallStatus = "degraded"
		}
	}

	response := HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  services,
		Version:   h.version,
	}

	w.Header().Set("Content-Type", "application/json")
	if overallStatus == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// Readiness handles the readiness probe endpoint.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	ready := h.IsReady()
	if ready {
		if s := h.checkStorage(ctx); s.Status != "up" {
			ready = false
		}
	}

	response := ReadinessResponse{
		Ready:     ready,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if ready {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}

// Liveness handles the liveness probe endpoint. It reports alive as
// long as the process can answer at all; Kubernetes-style orchestrators
// use this, not Readiness, to decide whether to restart the process.
func (h *Handler) Liveness(w http.ResponseWriter, r *http.Request) {
	response := LivenessResponse{
		Alive:     true,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(response)
}

func (h *Handler) checkStorage(ctx context.Context) ServiceStatus {
	if h.store == nil {
		return ServiceStatus{Status: "down", Error: "storage backend not configured"}
	}

	start := time.Now()
	var err error
	if p, ok := h.store.(pinger); ok {
		err = p.Ping(ctx)
	} else {
		_, err = h.store.LoadAll(ctx)
	}
	latency := time.Since(start)

	if err != nil {
		return ServiceStatus{Status: "down", Latency: latency.String(), Error: err.Error()}
	}
	return ServiceStatus{Status: "up", Latency: latency.String()}
}

func (h *Handler) checkResolver(ctx context.Context) ServiceStatus {
	if h.resolver == nil {
		return ServiceStatus{Status: "down", Error: "relay resolver not configured"}
	}

	start := time.Now()
	_, _, err := h.resolver.LookupMX(ctx, h.dnsCheckZone)
	latency := time.Since(start)

	if err != nil {
		return ServiceStatus{Status: "down", Latency: latency.String(), Error: err.Error()}
	}
	return ServiceStatus{Status: "up", Latency: latency.String()}
}

func (h *Handler) checkRedis(ctx context.Context) ServiceStatus {
	if h.redisClient == nil {
		return ServiceStatus{Status: "down", Error: "redis client not configured"}
	}

	start := time.Now()
	_, err := h.redisClient.Ping(ctx).Result()
	latency := time.Since(start)

	if err != nil {
		return ServiceStatus{Status: "down", Latency: latency.String(), Error: err.Error()}
	}
	return ServiceStatus{Status: "up", Latency: latency.String()}
}

// EdgeHealthChecker reports the SMTP edge's liveness for inclusion in
// the SMTP-specific health endpoint.
type EdgeHealthChecker interface {
	IsRunning() bool
	GetActiveConnections() int64
}

// EdgeEHLOChecker performs a loopback EHLO against the edge to prove
// the full protocol state machine is answering, not just the listener.
type EdgeEHLOChecker interface {
	PerformEHLOCheck(ctx context.Context) error
}

// EdgeHealthResponse is the SMTP edge health check response body.
type EdgeHealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Edge      map[string]interface{} `json:"edge"`
	EHLOCheck string                 `json:"ehlo_check,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// EdgeHandler handles the SMTP edge's dedicated health check endpoint.
type EdgeHandler struct {
	edge        EdgeHealthChecker
	ehloChecker EdgeEHLOChecker
	hostname    string
	port        int
	timeout     time.Duration
}

// EdgeHandlerConfig holds configuration for EdgeHandler.
type EdgeHandlerConfig struct {
	Edge        EdgeHealthChecker
	EHLOChecker EdgeEHLOChecker
	Hostname    string
	Port        int
	Timeout     time.Duration
}

// NewEdgeHandler creates a new SMTP edge health handler.
func NewEdgeHandler(cfg EdgeHandlerConfig) *EdgeHandler {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &EdgeHandler{
		edge:        cfg.Edge,
		ehloChecker: cfg.EHLOChecker,
		hostname:    cfg.Hostname,
		port:        cfg.Port,
		timeout:     timeout,
	}
}

// EdgeHealth handles the SMTP edge health check endpoint.
func (h *EdgeHandler) EdgeHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	response := EdgeHealthResponse{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Edge:      make(map[string]interface{}),
	}

	if h.edge == nil {
		response.Status = "unavailable"
		response.Error = "SMTP edge not configured"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(response)
		return
	}

	running := h.edge.IsRunning()
	activeConns := h.edge.GetActiveConnections()

	response.Edge["running"] = running
	response.Edge["active_connections"] = activeConns
	response.Edge["hostname"] = h.hostname
	response.Edge["port"] = h.port

	switch {
	case running && h.ehloChecker != nil:
		if err := h.ehloChecker.PerformEHLOCheck(ctx); err != nil {
			response.Status = "degraded"
			response.EHLOCheck = "failed"
			response.Error = err.Error()
		} else {
			response.Status = "healthy"
			response.EHLOCheck = "passed"
		}
	case running:
		response.Status = "healthy"
		response.EHLOCheck = "skipped"
	default:
		response.Status = "unhealthy"
		response.Error = "SMTP edge is not running"
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}
