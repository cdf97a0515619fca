package handlers

import (
	"net/http"
	"testing"
)

func TestHealthEndpoint(t *testing.T) {
	env := newHandlerTestEnv(t)

	w := env.requestAs(t, "GET", "/health", nil, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	var resp HealthResponse
	decodeJSON(t, w, &resp)
	if resp.Status != "healthy" {
		t.Fatalf("status = %q, want healthy", resp.Status)
	}
	if resp.Services["database"].Status != "healthy" {
		t.Fatalf("database = %+v, want healthy", resp.Services["database"])
	}
	if resp.System.GoVersion == "" {
		t.Fatal("missing go version")
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := newHandlerTestEnv(t)

	w := env.requestAs(t, "GET", "/ready", nil, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("ready status = %d", w.Code)
	}
	var resp map[string]interface{}
	decodeJSON(t, w, &resp)
	if resp["ready"] != true {
		t.Fatalf("ready = %v, want true", resp["ready"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newHandlerTestEnv(t)

	w := env.requestAs(t, "GET", "/metrics", nil, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", w.Code)
	}
	var resp map[string]interface{}
	decodeJSON(t, w, &resp)
	if len(resp) == 0 {
		t.Fatal("empty metrics snapshot")
	}
}
