package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"crmflow/internal/config"
)

func newWebhookTestService(maxAttempts int) *WebhookService {
	cfg := config.GetDefaultConfig()
	cfg.Webhook.MaxAttempts = maxAttempts
	cfg.Webhook.BackoffBase = time.Millisecond
	cfg.Webhook.Timeout = 2 * time.Second
	return NewWebhookService(cfg, nil)
}

func TestWebhookSend_PostsJSONWithAuth(t *testing.T) {
	var gotBody map[string]interface{}
	var gotAuth, gotCustom string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotCustom = r.Header.Get("X-Event")
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	svc := newWebhookTestService(3)
	resp, err := svc.Send(context.Background(), &WebhookRequest{
		URL:     srv.URL,
		Headers: map[string]string{"X-Event": "lead.updated"},
		Body:    map[string]interface{}{"lead_id": 42},
		Auth:    &WebhookAuth{Type: WebhookAuthBearer, Key: "sekrit"},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.StatusCode != 200 || resp.Attempts != 1 {
		t.Fatalf("resp = %+v, want 200 on first attempt", resp)
	}
	if body, ok := resp.Body.(map[string]interface{}); !ok || body["ok"] != true {
		t.Fatalf("parsed body = %v", resp.Body)
	}
	if gotAuth != "Bearer sekrit" || gotCustom != "lead.updated" {
		t.Fatalf("headers = %q / %q", gotAuth, gotCustom)
	}
	if gotBody["lead_id"] != float64(42) {
		t.Fatalf("request body = %v", gotBody)
	}
}

func TestWebhookSend_RetriesUntilSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	svc := newWebhookTestService(3)
	resp, err := svc.Send(context.Background(), &WebhookRequest{URL: srv.URL, Method: "POST"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if resp.StatusCode != http.StatusNoContent || resp.Attempts != 3 {
		t.Fatalf("resp = %+v, want 204 on attempt 3", resp)
	}
}

func TestWebhookSend_ExhaustsRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	svc := newWebhookTestService(2)
	resp, err := svc.Send(context.Background(), &WebhookRequest{URL: srv.URL})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
	// 最后一次的响应还是带回去，调用方能看到状态码
	if resp == nil || resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("resp = %+v, want last 500 response", resp)
	}
}

func TestWebhookSend_Validation(t *testing.T) {
	svc := newWebhookTestService(1)
	if _, err := svc.Send(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil request")
	}
	if _, err := svc.Send(context.Background(), &WebhookRequest{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}

func TestApplyWebhookAuthSchemes(t *testing.T) {
	tests := []struct {
		name   string
		auth   *WebhookAuth
		header string
		want   string
	}{
		{"api key default header", &WebhookAuth{Type: WebhookAuthAPIKey, Key: "k1"}, "X-API-Key", "k1"},
		{"api key custom header", &WebhookAuth{Type: WebhookAuthAPIKey, Header: "X-Token", Key: "k2"}, "X-Token", "k2"},
		{"bearer", &WebhookAuth{Type: WebhookAuthBearer, Key: "tok"}, "Authorization", "Bearer tok"},
		{"basic", &WebhookAuth{Type: WebhookAuthBasic, Username: "u", Password: "p"}, "Authorization", "Basic dTpw"},
		{"none", nil, "Authorization", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("POST", "http://example.com", nil)
			applyWebhookAuth(req, tt.auth)
			if got := req.Header.Get(tt.header); got != tt.want {
				t.Fatalf("header %s = %q, want %q", tt.header, got, tt.want)
			}
		})
	}
}
