package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"crmflow/internal/config"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Webhook auth schemes.
const (
	WebhookAuthAPIKey = "API_KEY"
	WebhookAuthBearer = "BEARER"
	WebhookAuthBasic  = "BASIC"
)

// WebhookAuth 调用鉴权配置
type WebhookAuth struct {
	Type     string `json:"type"`
	Header   string `json:"header,omitempty"` // API_KEY header name, default X-API-Key
	Key      string `json:"key,omitempty"`    // API key or bearer token
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// WebhookRequest 一次出站调用
type WebhookRequest struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    interface{} // marshaled as JSON for POST/PUT/PATCH
	Auth    *WebhookAuth
}

// WebhookResponse 最后一次尝试的结果
type WebhookResponse struct {
	StatusCode int
	Body       interface{} // parsed JSON if possible, else raw string
	Attempts   int
}

// WebhookSender 出站 HTTP 调用能力
type WebhookSender interface {
	Send(ctx context.Context, req *WebhookRequest) (*WebhookResponse, error)
}

// WebhookService 带重试的 HTTP webhook 客户端。网络错误和非 2xx 状态
// 按指数退避重试，重试耗尽后返回最后一次的错误。
type WebhookService struct {
	client      *http.Client
	logger      *logrus.Logger
	maxAttempts int
	backoffBase time.Duration
}

func NewWebhookService(cfg *config.Config, logger *logrus.Logger) *WebhookService {
	if logger == nil {
		logger = logrus.New()
	}
	timeout := 15 * time.Second
	maxAttempts := 3
	backoffBase := time.Second
	if cfg != nil {
		timeout = cfg.Webhook.Timeout
		maxAttempts = cfg.Webhook.MaxAttempts
		backoffBase = cfg.Webhook.BackoffBase
	}
	return &WebhookService{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:      logger,
		maxAttempts: maxAttempts,
		backoffBase: backoffBase,
	}
}

func (s *WebhookService) Send(ctx context.Context, req *WebhookRequest) (*WebhookResponse, error) {
	if req == nil || req.URL == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodPost
	}

	var resp *WebhookResponse
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(s.maxAttempts-1), retry.NewExponential(s.backoffBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		r, err := s.attempt(ctx, method, req)
		if r != nil {
			r.Attempts = attempts
			resp = r
		}
		if err != nil {
			s.logger.Warnf("webhook: attempt %d to %s failed: %v", attempts, req.URL, err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return resp, fmt.Errorf("webhook failed after %d attempts: %w", attempts, err)
	}
	return resp, nil
}

func (s *WebhookService) attempt(ctx context.Context, method string, req *WebhookRequest) (*WebhookResponse, error) {
	var bodyReader io.Reader
	if req.Body != nil && (method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch) {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return nil, err
	}
	if bodyReader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	applyWebhookAuth(httpReq, req.Auth)

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	resp := &WebhookResponse{StatusCode: httpResp.StatusCode, Body: parseResponseBody(raw)}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return resp, fmt.Errorf("webhook returned status %d", httpResp.StatusCode)
	}
	return resp, nil
}

func applyWebhookAuth(req *http.Request, auth *WebhookAuth) {
	if auth == nil {
		return
	}
	switch auth.Type {
	case WebhookAuthAPIKey:
		header := auth.Header
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, auth.Key)
	case WebhookAuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Key)
	case WebhookAuthBasic:
		cred := base64.StdEncoding.EncodeToString([]byte(auth.Username + ":" + auth.Password))
		req.Header.Set("Authorization", "Basic "+cred)
	}
}

func parseResponseBody(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err == nil {
		return parsed
	}
	return string(raw)
}
