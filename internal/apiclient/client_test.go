package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lazypower/tierkeeper/internal/model"
)

func TestNewFallsBackToEnv(t *testing.T) {
	t.Setenv("TIERKEEPER_URL", "http://example.test:1234")
	if c := New(""); c.serverURL != "http://example.test:1234" {
		t.Errorf("serverURL = %q", c.serverURL)
	}
	if c := New("http://explicit"); c.serverURL != "http://explicit" {
		t.Errorf("serverURL = %q", c.serverURL)
	}

	t.Setenv("TIERKEEPER_URL", "")
	if c := New(""); c.serverURL != defaultServerURL {
		t.Errorf("serverURL = %q, want %q", c.serverURL, defaultServerURL)
	}
}

func TestTrigger(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/sweeps/trigger" {
			http.NotFound(w, r)
			return
		}
		calls++
		status := "queued"
		if calls > 1 {
			status = "already queued"
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}))
	defer ts.Close()

	c := New(ts.URL)
	queued, err := c.Trigger(context.Background())
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if !queued {
		t.Error("first trigger should queue")
	}
	queued, err = c.Trigger(context.Background())
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if queued {
		t.Error("second trigger should coalesce")
	}
}

func TestSweep(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		kind := model.SweepManual
		if r.URL.Query().Get("tier") != "" {
			kind = model.SweepEmergency
		}
		json.NewEncoder(w).Encode(model.SweepReport{Kind: kind, TierID: r.URL.Query().Get("tier"), Migrated: 2})
	}))
	defer ts.Close()

	c := New(ts.URL)
	report, err := c.Sweep(context.Background(), "")
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Kind != model.SweepManual || report.Migrated != 2 {
		t.Errorf("report = %+v", report)
	}

	report, err = c.Sweep(context.Background(), "core")
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.Kind != model.SweepEmergency || report.TierID != "core" {
		t.Errorf("report = %+v", report)
	}
}

func TestErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInsufficientStorage)
		w.Write([]byte(`{"error":"tier capacity exceeded"}`))
	}))
	defer ts.Close()

	_, err := New(ts.URL).Get(context.Background(), "/api/tiers")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "status 507") {
		t.Errorf("error = %v, want status 507", err)
	}
}

func TestHealthy(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
			return
		}
		http.NotFound(w, r)
	}))
	c := New(ts.URL)
	if !c.Healthy(context.Background()) {
		t.Error("expected healthy")
	}
	ts.Close()
	if c.Healthy(context.Background()) {
		t.Error("expected unhealthy after close")
	}
}
