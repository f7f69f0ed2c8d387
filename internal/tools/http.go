package tools

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/flowcore/pkg/schema"
)

// HTTPConfig configures the HTTP adapter.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// Client is cloned per request when TLS verification is disabled.
	Client *http.Client
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

// HTTPAdapter serves nodes whose URI is an http:// or https:// URL.
//
// Args (all optional): method, headers, query, body, body_encoding
// (json|form|text|raw), auth {type: bearer|basic|api_key, ...},
// follow_redirects, max_redirects, tls_skip_verify, fail_on_error_status.
// A string args value is sent as a raw body.
type HTTPAdapter struct {
	config HTTPConfig
}

func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &HTTPAdapter{config: cfg}
}

func (a *HTTPAdapter) Invoke(ctx context.Context, req Request) (any, error) {
	params := map[string]any{}
	switch v := req.Args.(type) {
	case map[string]any:
		params = v
	case string:
		params = map[string]any{"body": v, "body_encoding": "raw"}
	case nil:
	default:
		params = map[string]any{"body": v}
	}

	u, err := url.ParseRequestURI(req.URI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: invalid url %q", req.URI).WithNode(req.NodeID)
	}
	if q, ok := params["query"].(map[string]any); ok {
		vals := u.Query()
		for k, v := range q {
			vals.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = vals.Encode()
	}

	method := strings.ToUpper(stringParam(params, "method", ""))
	if method == "" {
		method = http.MethodGet
		if params["body"] != nil {
			method = http.MethodPost
		}
	}

	body, contentType, err := encodeBody(params)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: encode body: %s", err.Error()).WithNode(req.NodeID)
	}

	timeout := a.config.DefaultTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, u.String(), body)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "http: build request: %s", err.Error()).WithNode(req.NodeID)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			httpReq.Header.Set(k, fmt.Sprint(v))
		}
	}
	httpReq.Header.Set("X-Flowcore-Execution", req.ExecutionID)
	httpReq.Header.Set("X-Flowcore-Node", req.NodeID)
	applyAuth(httpReq, params)

	start := time.Now()
	resp, err := a.client(params).Do(httpReq)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	respContentType := resp.Header.Get("Content-Type")
	var parsed any
	if len(raw) > 0 {
		parsed = string(raw)
		if strings.Contains(respContentType, "json") {
			var v any
			if json.Unmarshal(raw, &v) == nil {
				parsed = v
			}
		}
	}
	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code":  int64(resp.StatusCode),
		"status":       resp.Status,
		"headers":      headers,
		"body":         parsed,
		"content_type": respContentType,
		"duration_ms":  durationMs,
	}

	if boolParam(params, "fail_on_error_status", true) && resp.StatusCode >= 400 {
		// 4xx will not change on a retry, 5xx might.
		code := schema.ErrCodeNodeExecution
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			code = schema.ErrCodeValidation
		}
		return nil, schema.NewErrorf(code, "http: %s %s returned %d", method, req.URI, resp.StatusCode).
			WithNode(req.NodeID).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": parsed})
	}
	return result, nil
}

func (a *HTTPAdapter) client(params map[string]any) *http.Client {
	c := *a.config.Client
	if boolParam(params, "tls_skip_verify", false) {
		base, ok := c.Transport.(*http.Transport)
		if !ok || base == nil {
			base = http.DefaultTransport.(*http.Transport)
		}
		t := base.Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		c.Transport = t
	}
	if !boolParam(params, "follow_redirects", true) {
		c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	} else if limit := intParam(params, "max_redirects", 10); limit > 0 {
		c.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			return nil
		}
	}
	return &c
}

func encodeBody(params map[string]any) (io.Reader, string, error) {
	raw, ok := params["body"]
	if !ok || raw == nil {
		return nil, "", nil
	}
	switch stringParam(params, "body_encoding", "json") {
	case "form":
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("form body must be an object")
		}
		vals := url.Values{}
		for k, v := range m {
			vals.Set(k, fmt.Sprint(v))
		}
		return strings.NewReader(vals.Encode()), "application/x-www-form-urlencoded", nil
	case "text":
		return strings.NewReader(fmt.Sprint(raw)), "text/plain", nil
	case "raw":
		return strings.NewReader(fmt.Sprint(raw)), "", nil
	default:
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, "", err
		}
		return strings.NewReader(string(b)), "application/json", nil
	}
}

func applyAuth(req *http.Request, params map[string]any) {
	auth, ok := params["auth"].(map[string]any)
	if !ok {
		return
	}
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "api_key":
		if name := stringParam(auth, "header_name", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "header_value", ""))
		}
	}
}

// Param helpers.

func stringParam(m map[string]any, key, defaultVal string) string {
	if s, ok := m[key].(string); ok {
		return s
	}
	return defaultVal
}

func boolParam(m map[string]any, key string, defaultVal bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return defaultVal
}

func intParam(m map[string]any, key string, defaultVal int) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	}
	return defaultVal
}

var _ Adapter = (*HTTPAdapter)(nil)
