package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/checkspot/api/internal/domain"
	"github.com/checkspot/api/internal/services"
)

type stubSystemService struct {
	reportFunc func(ctx context.Context) (services.SystemHealthReport, error)
}

func (s *stubSystemService) HealthReport(ctx context.Context) (services.SystemHealthReport, error) {
	if s.reportFunc != nil {
		return s.reportFunc(ctx)
	}
	return services.SystemHealthReport{}, nil
}

func TestHealthzReportsBuildInfo(t *testing.T) {
	started := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)
	now := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	handler := NewHealthHandlers(
		WithHealthBuildInfo(services.BuildInfo{
			Version:     "1.4.0",
			CommitSHA:   "abc1234",
			Environment: "staging",
			StartedAt:   started,
		}),
		WithHealthClock(func() time.Time { return now }),
	)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.Healthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %#v", resp["status"])
	}
	if resp["version"] != "1.4.0" || resp["environment"] != "staging" {
		t.Fatalf("expected build info surfaced, got %#v", resp)
	}
	if resp["uptime"] != "1h0m0s" {
		t.Fatalf("expected uptime 1h0m0s, got %#v", resp["uptime"])
	}
}

func TestReadyzAggregatesChecks(t *testing.T) {
	handler := NewHealthHandlers(WithHealthSystemService(&stubSystemService{
		reportFunc: func(context.Context) (services.SystemHealthReport, error) {
			return services.SystemHealthReport{
				Status: domain.HealthStatusDegraded,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusOK, Latency: 12 * time.Millisecond},
					"pubsub":    {Status: domain.HealthStatusDegraded, Error: "publish slow"},
				},
				GeneratedAt: time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC),
			}, nil
		},
	}))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handler.Readyz(rr, req)

	// Degraded dependencies do not fail readiness.
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp["status"] != "degraded" {
		t.Fatalf("expected degraded status, got %#v", resp["status"])
	}
	checks, ok := resp["checks"].(map[string]any)
	if !ok || len(checks) != 2 {
		t.Fatalf("expected two checks, got %#v", resp["checks"])
	}
}

func TestReadyzFailsWhenDependencyIsDown(t *testing.T) {
	handler := NewHealthHandlers(WithHealthSystemService(&stubSystemService{
		reportFunc: func(context.Context) (services.SystemHealthReport, error) {
			return services.SystemHealthReport{
				Status: domain.HealthStatusError,
				Checks: map[string]domain.SystemHealthCheck{
					"firestore": {Status: domain.HealthStatusError, Error: "connection refused"},
				},
			}, nil
		},
	}))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handler.Readyz(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}

func TestReadyzFailsWhenReportErrors(t *testing.T) {
	handler := NewHealthHandlers(WithHealthSystemService(&stubSystemService{
		reportFunc: func(context.Context) (services.SystemHealthReport, error) {
			return services.SystemHealthReport{}, errors.New("collector broken")
		},
	}))

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handler.Readyz(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
