package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/relay"
	"github.com/webrana/gomta/internal/storage"
)

type stubStorage struct {
	loadErr error
}

func (s *stubStorage) Write(ctx context.Context, e *envelope.Envelope, meta storage.Metadata) (string, error) {
	return "id", nil
}
func (s *stubStorage) SetRecipientsDelivered(ctx context.Context, id string, delivered []string) error {
	return nil
}
func (s *stubStorage) LoadAll(ctx context.Context) ([]storage.Record, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return nil, nil
}
func (s *stubStorage) Get(ctx context.Context, id string) (storage.Record, error) {
	return storage.Record{}, storage.ErrNotFound
}
func (s *stubStorage) WriteMetadata(ctx context.Context, id string, meta storage.Metadata) error {
	return nil
}
func (s *stubStorage) Remove(ctx context.Context, id string) error { return nil }

type stubResolver struct {
	err error
}

func (r *stubResolver) LookupMX(ctx context.Context, domain string) ([]relay.Destination, time.Duration, error) {
	if r.err != nil {
		return nil, 0, r.err
	}
	return []relay.Destination{{Host: "mx.example.com", Port: 25}}, time.Hour, nil
}

func TestHealthReportsHealthyWhenDependenciesUp(t *testing.T) {
	h := NewHandler(Config{
		Store:    &stubStorage{},
		Resolver: &stubResolver{},
		Version:  "test",
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Fatalf("expected healthy, got %s", resp.Status)
	}
	if resp.Services["storage"].Status != "up" || resp.Services["dns_resolver"].Status != "up" {
		t.Fatalf("expected both dependencies up, got %+v", resp.Services)
	}
}

func TestHealthDegradedWhenResolverFails(t *testing.T) {
	h := NewHandler(Config{
		Store:    &stubStorage{},
		Resolver: &stubResolver{err: errors.New("servfail")},
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Health(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "degraded" {
		t.Fatalf("expected degraded, got %s", resp.Status)
	}
}

func TestReadinessFollowsSetReady(t *testing.T) {
	h := NewHandler(Config{Store: &stubStorage{}, Resolver: &stubResolver{}})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	h.Readiness(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 while ready, got %d", rec.Code)
	}

	h.SetReady(false)
	rec = httptest.NewRecorder()
	h.Readiness(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 once not ready, got %d", rec.Code)
	}
}

func TestReadinessFailsWhenStorageDown(t *testing.T) {
	h := NewHandler(Config{Store: &stubStorage{loadErr: errors.New("disk full")}, Resolver: &stubResolver{}})

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	h.Readiness(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when storage ping fails, got %d", rec.Code)
	}
}

func TestLivenessAlwaysAlive(t *testing.T) {
	h := NewHandler(Config{})
	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()
	h.Liveness(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

type stubEdge struct {
	running bool
	active  int64
}

func (e *stubEdge) IsRunning() bool            { return e.running }
func (e *stubEdge) GetActiveConnections() int64 { return e.active }

func TestEdgeHealthUnavailableWithoutEdge(t *testing.T) {
	h := NewEdgeHandler(EdgeHandlerConfig{})
	req := httptest.NewRequest(http.MethodGet, "/health/smtp", nil)
	rec := httptest.NewRecorder()
	h.EdgeHealth(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestEdgeHealthHealthyWhenRunning(t *testing.T) {
	h := NewEdgeHandler(EdgeHandlerConfig{Edge: &stubEdge{running: true, active: 3}})
	req := httptest.NewRequest(http.MethodGet, "/health/smtp", nil)
	rec := httptest.NewRecorder()
	h.EdgeHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
