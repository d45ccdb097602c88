package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kyleoliver/modelgated/internal/config"
	"github.com/kyleoliver/modelgated/internal/device"
	"github.com/kyleoliver/modelgated/internal/iface"
	"github.com/kyleoliver/modelgated/internal/logging"
	"github.com/kyleoliver/modelgated/internal/logstore"
	"github.com/kyleoliver/modelgated/internal/model"
	"github.com/kyleoliver/modelgated/internal/supervisor"
)

type okPlugin struct{}

func (okPlugin) ValidateRequest(path, modelName string) error { return nil }
func (okPlugin) HealthCheck(ctx context.Context, modelName string, port int, deadline time.Time) error {
	return nil
}
func (okPlugin) SupportedEndpoints() []string { return nil }

func newTestServer(t *testing.T, fallback http.Handler) (*Server, *model.Controller, *model.Table) {
	t.Helper()
	script := filepath.Join(t.TempDir(), "run.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 5\n"), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	entry := &config.ModelEntry{
		Key:     "m",
		Aliases: []string{"m", "my-model"},
		Mode:    "Fake",
		Port:    9000,
		Variants: []config.Variant{
			{Name: "default", ScriptPath: script},
		},
	}
	entries := model.NewEntries([]*config.ModelEntry{entry})
	table := model.NewTable()
	table.Ensure("m")
	sup := supervisor.New()
	logs := logstore.NewStore(t.TempDir())
	log := logging.Component(logging.NewStderr("error"), "api")
	registry := iface.NewRegistry()
	registry.Register("Fake", okPlugin{})
	devCache := device.NewCache(nil, time.Hour)
	settings := config.DefaultSettings()

	ctrl := model.NewController(settings, entries, table, devCache, registry, sup, logs, log)
	srv := NewServer(settings, entries, table, ctrl, devCache, fallback, log)
	return srv, ctrl, table
}

func TestHealthReportsRoutingCount(t *testing.T) {
	srv, ctrl, table := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["models_routing"].(float64) != 0 {
		t.Fatalf("expected 0 routing models, got %v", body["models_routing"])
	}

	startReq := httptest.NewRequest(http.MethodPost, "/api/models/m/start", nil)
	startRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(startRec, startReq)
	if startRec.Code != http.StatusOK {
		t.Fatalf("start endpoint: expected 200, got %d: %s", startRec.Code, startRec.Body.String())
	}

	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	var body2 map[string]interface{}
	json.Unmarshal(rec2.Body.Bytes(), &body2)
	if body2["models_routing"].(float64) != 1 {
		t.Fatalf("expected 1 routing model after start, got %v", body2["models_routing"])
	}

	st, _ := table.Get("m")
	if st.Status() != model.StatusRouting {
		t.Fatalf("expected routing, got %s", st.Status())
	}
	_ = ctrl
}

func TestModelInfoResolvesAliasAndReturnsTwoTierShape(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/models/my-model/info", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Success bool `json:"success"`
		Model   struct {
			Status          string   `json:"status"`
			PID             int      `json:"pid"`
			LastAccess      int64    `json:"last_access"`
			Mode            string   `json:"mode"`
			PendingRequests int64    `json:"pending_requests"`
			Port            int      `json:"port"`
			Aliases         []string `json:"aliases"`
		} `json:"model"`
		NodeDebugInfo struct {
			ModelName    string `json:"model_name"`
			QueriedAlias string `json:"queried_alias"`
		} `json:"node_debug_info"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success {
		t.Fatal("expected success=true")
	}
	if body.Model.Status != string(model.StatusStopped) {
		t.Fatalf("expected stopped, got %q", body.Model.Status)
	}
	if body.Model.Mode != "Fake" || body.Model.Port != 9000 {
		t.Fatalf("expected mode/port from config, got %+v", body.Model)
	}
	if body.Model.PendingRequests != 0 || body.Model.PID != 0 {
		t.Fatalf("expected zero pending/pid on a stopped model, got %+v", body.Model)
	}
	if len(body.Model.Aliases) != 2 || body.Model.Aliases[0] != "m" {
		t.Fatalf("expected aliases from config, got %v", body.Model.Aliases)
	}
	if body.NodeDebugInfo.ModelName != "m" || body.NodeDebugInfo.QueriedAlias != "my-model" {
		t.Fatalf("unexpected debug block: %+v", body.NodeDebugInfo)
	}
}

func TestListModelsReturnsIDObjectAndMode(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Object string `json:"object"`
		Data   []struct {
			ID     string `json:"id"`
			Object string `json:"object"`
			Mode   string `json:"mode"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Object != "list" || len(body.Data) != 1 {
		t.Fatalf("unexpected list shape: %+v", body)
	}
	if body.Data[0].ID != "m" || body.Data[0].Object != "model" || body.Data[0].Mode != "Fake" {
		t.Fatalf("unexpected model entry: %+v", body.Data[0])
	}
}

func TestModelInfoIncludesProcessInfoWhileRunning(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	startRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(startRec, httptest.NewRequest(http.MethodPost, "/api/models/m/start", nil))
	if startRec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", startRec.Code, startRec.Body.String())
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models/m/info", nil))

	var body struct {
		Model struct {
			PID        int   `json:"pid"`
			LastAccess int64 `json:"last_access"`
		} `json:"model"`
		NodeDebugInfo struct {
			ActiveHardwareConfig map[string]interface{} `json:"active_hardware_config"`
			ProcessInfo          map[string]interface{} `json:"process_info"`
		} `json:"node_debug_info"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Model.PID == 0 || body.Model.LastAccess == 0 {
		t.Fatalf("expected pid and last_access on a routing model, got %+v", body.Model)
	}
	if body.NodeDebugInfo.ActiveHardwareConfig["config_source"] != "default" {
		t.Fatalf("expected active hardware config, got %+v", body.NodeDebugInfo.ActiveHardwareConfig)
	}
	if body.NodeDebugInfo.ProcessInfo["pid"] == nil {
		t.Fatalf("expected process info, got %+v", body.NodeDebugInfo.ProcessInfo)
	}
}

func TestModelInfoUnknownAliasIs404(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/models/ghost/info", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStopEndpointIsIdempotent(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/models/m/stop", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("stop call %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestStopAllStopsEveryModel(t *testing.T) {
	srv, ctrl, table := newTestServer(t, nil)

	startRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(startRec, httptest.NewRequest(http.MethodPost, "/api/models/m/start", nil))
	if startRec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d", startRec.Code)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/models/stop-all", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("stop-all: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	st, _ := table.Get("m")
	if st.Status() != model.StatusStopped {
		t.Fatalf("expected stopped after stop-all, got %s", st.Status())
	}
	_ = ctrl
}

// TestCatchAllFallsThroughToGateway confirms unmatched paths reach the
// fallback handler while admin routes keep precedence on the shared mux.
func TestCatchAllFallsThroughToGateway(t *testing.T) {
	var hits int
	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTeapot)
	})
	srv, _, _ := newTestServer(t, fallback)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil))
	if rec.Code != http.StatusTeapot || hits != 1 {
		t.Fatalf("expected fallback to handle /v1/chat/completions, got %d (hits %d)", rec.Code, hits)
	}

	rec2 := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec2, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec2.Code != http.StatusOK || hits != 1 {
		t.Fatalf("expected admin route to win over fallback, got %d (hits %d)", rec2.Code, hits)
	}
}
