package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rendis/spiral/internal/execution"
	"github.com/rendis/spiral/pkg/schema"
)

const defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB

// HTTPDoer is the transport used by outbound calls.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// OutboundCallHandler implements outbound_call. Calls are at-least-once:
// a retried POST may reach the endpoint more than once.
type OutboundCallHandler struct {
	client          HTTPDoer
	maxResponseBody int64
}

// NewOutboundCallHandler creates the outbound_call handler. A nil client uses
// a dedicated http.Client; deadlines come from the action context.
func NewOutboundCallHandler(client HTTPDoer, maxResponseBody int64) *OutboundCallHandler {
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	if maxResponseBody <= 0 {
		maxResponseBody = defaultMaxResponseBody
	}
	return &OutboundCallHandler{client: client, maxResponseBody: maxResponseBody}
}

func (h *OutboundCallHandler) Kind() schema.ActionKind { return schema.ActionOutboundCall }

func (h *OutboundCallHandler) Execute(ctx context.Context, action *schema.Action, ec *execution.Context) (any, error) {
	var cfg schema.OutboundCallConfig
	if err := resolve(action, ec, &cfg); err != nil {
		return nil, err
	}
	return h.Call(ctx, action.ID, ec.AllowedHosts(), cfg)
}

// Call issues the request described by cfg. A non-2xx status is a retryable
// ACTION_FAILURE carrying the response in its details.
func (h *OutboundCallHandler) Call(ctx context.Context, actionID string, allowedHosts []string, cfg schema.OutboundCallConfig) (map[string]any, error) {
	if cfg.URL == "" {
		return nil, schema.ValidationError("missing required config 'url'").WithAction(actionID)
	}
	u, err := url.ParseRequestURI(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.ValidationError("invalid url %q", cfg.URL).WithAction(actionID)
	}
	if !hostAllowed(u.Hostname(), allowedHosts) {
		return nil, schema.NewErrorf(schema.ErrCodeNonRetryable, "host %q is not in the workflow's allowed hosts", u.Hostname()).WithAction(actionID)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
		if cfg.Body != nil {
			method = http.MethodPost
		}
	}

	var body io.Reader
	contentType := ""
	switch b := cfg.Body.(type) {
	case nil:
	case string:
		body = strings.NewReader(b)
		contentType = "text/plain"
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			return nil, schema.ValidationError("body is not JSON encodable: %s", err.Error()).WithAction(actionID)
		}
		body = bytes.NewReader(buf)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return nil, schema.ValidationError("build request: %s", err.Error()).WithAction(actionID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	limit := h.maxResponseBody
	if cfg.MaxResponseSize > 0 && cfg.MaxResponseSize < limit {
		limit = cfg.MaxResponseSize
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, schema.NewErrorf(schema.ErrCodeActionTimeout, "request timed out: %v", err).WithAction(actionID).WithCause(err)
		}
		return nil, schema.ActionFailure(actionID, "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, schema.ActionFailure(actionID, "read response body: %v", err).WithCause(err)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	result := map[string]any{
		"status_code":  float64(resp.StatusCode),
		"status":       resp.Status,
		"headers":      headers,
		"body":         parseBody(raw, resp.Header.Get("Content-Type")),
		"content_type": resp.Header.Get("Content-Type"),
		"duration_ms":  float64(durationMs),
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, schema.ActionFailure(actionID, "%s %s returned %d", method, u.Redacted(), resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": truncate(string(raw), 512)})
	}
	return result, nil
}

func parseBody(raw []byte, contentType string) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

// hostAllowed matches host against the allow-list. Entries may be exact
// hosts or "*.example.com" suffix patterns. An empty list allows everything.
func hostAllowed(host string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	host = strings.ToLower(host)
	return slices.ContainsFunc(allowed, func(pattern string) bool {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
			return strings.HasSuffix(host, "."+suffix)
		}
		return host == pattern
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + fmt.Sprintf("... (%d bytes)", len(s))
}
