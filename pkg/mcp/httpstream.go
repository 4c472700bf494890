package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const sessionHeader = "Mcp-Session-Id"

// httpStreamTransport talks to a server over HTTP POST. Each call is one
// request; the server answers with either a plain JSON body or a short
// SSE stream carrying the response. The session id handed out during
// initialize is echoed on every subsequent request.
type httpStreamTransport struct {
	name string
	cfg  ServerConfig
	logs *RingBuffer
	http *http.Client

	mu        sync.Mutex
	id        int
	sessionID string
	started   bool
}

func newHTTPStreamTransport(name string, cfg ServerConfig, logs *RingBuffer) *httpStreamTransport {
	return &httpStreamTransport{
		name: name,
		cfg:  cfg,
		logs: logs,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

func (t *httpStreamTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if _, err := t.Call(hctx, "initialize", initializeParams()); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	if err := t.notify(hctx, "notifications/initialized", map[string]interface{}{}); err != nil {
		return err
	}

	t.mu.Lock()
	t.started = true
	t.mu.Unlock()
	return nil
}

func (t *httpStreamTransport) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	t.mu.Lock()
	t.id++
	id := t.id
	t.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("server %q returned no response for %s", t.name, method)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (t *httpStreamTransport) notify(ctx context.Context, method string, params interface{}) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params}
	_, err := t.post(ctx, req)
	return err
}

// post sends one JSON-RPC message and decodes the response from either
// a JSON body or an SSE stream, whichever the server chose.
func (t *httpStreamTransport) post(ctx context.Context, rpc rpcRequest) (*rpcResponse, error) {
	body, err := json.Marshal(rpc)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	t.mu.Lock()
	if t.sessionID != "" {
		req.Header.Set(sessionHeader, t.sessionID)
	}
	t.mu.Unlock()

	res, err := t.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if sid := res.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if res.StatusCode == http.StatusAccepted || res.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		t.logs.Append(time.Now().Format(time.RFC3339) + " http " + res.Status + " " + string(data))
		return nil, fmt.Errorf("server %q returned %s", t.name, res.Status)
	}

	if strings.HasPrefix(res.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(res.Body, rpc.ID)
	}

	var resp rpcResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("invalid response body: %w", err)
	}
	return &resp, nil
}

// readSSEResponse scans an event stream for the response matching id.
// Other events (progress notifications and the like) are skipped.
func readSSEResponse(r io.Reader, id interface{}) (*rpcResponse, error) {
	want, isCall := id.(int)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			continue
		}
		got, ok := resp.ID.(float64)
		if !ok {
			continue
		}
		if !isCall || int(got) == want {
			return &resp, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("event stream ended without a response")
}

func (t *httpStreamTransport) Close() error {
	t.mu.Lock()
	sid := t.sessionID
	t.sessionID = ""
	t.started = false
	t.mu.Unlock()

	if sid == "" {
		return nil
	}

	// Best effort session teardown.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.cfg.URL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set(sessionHeader, sid)
	if res, err := t.http.Do(req); err == nil {
		res.Body.Close()
	}
	return nil
}
