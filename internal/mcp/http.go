package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/stepwise/internal/config"
	"github.com/nugget/stepwise/internal/httpkit"
)

// sessionHeader carries the server-assigned session ID.
const sessionHeader = "Mcp-Session-Id"

// maxResponseBytes caps a single JSON-RPC response body.
const maxResponseBytes = 10 << 20

// HTTPConfig configures a streamable HTTP transport.
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are sent with every request (e.g. Authorization).
	Headers map[string]string

	// Timeout bounds each HTTP exchange. Zero uses the httpkit default.
	Timeout time.Duration

	Logger *slog.Logger
}

// HTTPTransport sends each JSON-RPC message as an HTTP POST. The server
// answers with either a JSON body or a short text/event-stream whose
// data lines carry the response.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewHTTPTransport creates an HTTP transport for cfg.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var opts []httpkit.Option
	if cfg.Timeout > 0 {
		opts = append(opts, httpkit.WithTimeout(cfg.Timeout))
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: httpkit.NewClient(opts...),
		logger:     logger,
	}
}

func (t *HTTPTransport) newRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.RUnlock()

	return httpReq, nil
}

func (t *HTTPTransport) captureSession(resp *http.Response) {
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}
}

// Send posts req and returns the response carrying the same ID.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP request", "frame", string(body))

	httpReq, err := t.newRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	t.captureSession(httpResp)

	if httpResp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, fmt.Errorf("MCP server returned %d: %s", httpResp.StatusCode, errBody)
	}

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readEventStream(ctx, httpResp.Body, req.ID)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "MCP frame", "frame", string(respBody))

	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}

// readEventStream scans SSE data lines until the response with id arrives.
// Events are single-line JSON; multi-line data fields are joined.
func (t *HTTPTransport) readEventStream(ctx context.Context, r io.Reader, id int64) (*Response, error) {
	scanner := bufio.NewScanner(io.LimitReader(r, maxResponseBytes))
	scanner.Buffer(make([]byte, 0, 64*1024), maxResponseBytes)

	var data strings.Builder
	flush := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		t.logger.Log(ctx, config.LevelTrace, "MCP frame", "frame", data.String())
		var resp Response
		if err := json.Unmarshal([]byte(data.String()), &resp); err != nil {
			return nil, false
		}
		if !resp.isResponse() || resp.ID != id {
			return nil, false
		}
		return &resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if v, ok := strings.CutPrefix(line, "data:"); ok {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(v, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, fmt.Errorf("event stream ended without a response for id %d", id)
}

// Notify posts a notification. The server may answer 200 or 202.
func (t *HTTPTransport) Notify(ctx context.Context, notif *Notification) error {
	body, err := json.Marshal(notif)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	httpReq, err := t.newRequest(ctx, body)
	if err != nil {
		return err
	}

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP notification to %s: %w", t.url, err)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	t.captureSession(httpResp)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return fmt.Errorf("MCP server returned %d for notification: %s", httpResp.StatusCode, errBody)
	}
	return nil
}

// Close is a no-op; the HTTP client owns its connection pool.
func (t *HTTPTransport) Close() error {
	return nil
}
