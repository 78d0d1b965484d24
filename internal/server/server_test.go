package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jverney/dustprobe/internal/analysis"
	"github.com/jverney/dustprobe/internal/cycle"
	"github.com/jverney/dustprobe/internal/decision"
	"github.com/jverney/dustprobe/internal/dps"
	"github.com/jverney/dustprobe/internal/probe"
	"github.com/jverney/dustprobe/internal/snapshot"
)

func newTestProbe(t *testing.T) *probe.Probe {
	t.Helper()
	store, err := snapshot.NewStore(t.TempDir(), "dev-1", 10, nil)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return probe.New(probe.Config{
		DeviceID: "dev-1",
		Analyzer: analysis.DefaultConfig(),
		Tracker:  cycle.DefaultConfig(),
		Engine:   decision.DefaultConfig(),
	}, store)
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestStatusHandler(t *testing.T) {
	p := newTestProbe(t)
	if err := p.HandleObservation(context.Background(), dps.Observation{"121": 0, "122": 80}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	rec := httptest.NewRecorder()
	StatusHandler(p).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected code: %d", rec.Code)
	}
	var status probe.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.DeviceID != "dev-1" || status.Sequence != 1 || !status.BaselineCaptured {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestMetricsHandler(t *testing.T) {
	p := newTestProbe(t)
	if err := p.HandleObservation(context.Background(), dps.Observation{"121": 0, "122": 80}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(probe.NewMetricsCollector(p))

	rec := httptest.NewRecorder()
	MetricsHandler(registry).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected code: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "dustprobe_observations_total 1") {
		t.Fatalf("expected observation count in exposition:\n%s", rec.Body.String())
	}
}

func TestCaptureHandlerMethodAndConflict(t *testing.T) {
	p := newTestProbe(t)
	handler := CaptureHandler(p.CaptureBaseline)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/capture/baseline", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET must be rejected: %d", rec.Code)
	}

	// No observation yet: 409.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/capture/baseline", nil))
	if rec.Code != http.StatusConflict {
		t.Fatalf("capture before first observation must 409: %d", rec.Code)
	}

	if err := p.HandleObservation(context.Background(), dps.Observation{"121": 0, "122": 80}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/capture/baseline", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("capture failed: %d %s", rec.Code, rec.Body.String())
	}
}
