package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	protocolVersion  = "2024-11-05"
	clientName       = "voxd"
	clientVersion    = "0.1.0"
	handshakeTimeout = 15 * time.Second
)

// Transport is one connection to a tool server. Implementations own the
// full lifecycle of their channel, including the initialize handshake on
// Start and teardown on Close.
type Transport interface {
	Start(ctx context.Context) error
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Close() error
}

// TransportFactory builds a transport for a server. The registry uses
// NewTransport unless a test injects a replacement.
type TransportFactory func(name string, cfg ServerConfig, logs *RingBuffer) (Transport, error)

// NewTransport returns the transport implied by cfg.Transport.
func NewTransport(name string, cfg ServerConfig, logs *RingBuffer) (Transport, error) {
	switch cfg.Transport {
	case TransportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("server %q: stdio transport requires a command", name)
		}
		return newStdioTransport(name, cfg, logs), nil
	case TransportSocket:
		if cfg.Address == "" {
			return nil, fmt.Errorf("server %q: socket transport requires an address", name)
		}
		return newSocketTransport(name, cfg, logs), nil
	case TransportHTTPStream:
		if cfg.URL == "" {
			return nil, fmt.Errorf("server %q: httpStream transport requires a url", name)
		}
		return newHTTPStreamTransport(name, cfg, logs), nil
	default:
		return nil, fmt.Errorf("server %q: unknown transport %q", name, cfg.Transport)
	}
}

// JSON-RPC 2.0 messages
type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      interface{} `json:"id,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error (%d): %s", e.Code, e.Message)
}

// rpcClient correlates JSON-RPC requests with responses over a
// line-framed byte stream. Stdio and socket transports share it; each
// owns its own read loop and feeds lines through dispatch.
type rpcClient struct {
	mu      sync.Mutex
	w       io.Writer
	id      int
	pending map[int]chan *rpcResponse
	closed  bool
}

func newRPCClient(w io.Writer) *rpcClient {
	return &rpcClient{w: w, pending: make(map[int]chan *rpcResponse)}
}

func (c *rpcClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("connection closed")
	}
	c.id++
	id := c.id
	ch := make(chan *rpcResponse, 1)
	c.pending[id] = ch
	w := c.w
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	if _, err := w.Write(append(data, '\n')); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("connection closed")
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("rpc request %s: %w", method, ctx.Err())
	}
}

// notify sends a request without an id and does not wait for a reply.
func (c *rpcClient) notify(method string, params interface{}) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("connection closed")
	}
	w := c.w
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// dispatch routes one received line to the waiting caller. Lines that
// are not responses to an outstanding request are ignored.
func (c *rpcClient) dispatch(line []byte) {
	var resp rpcResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return
	}
	id, ok := resp.ID.(float64)
	if !ok {
		return
	}

	c.mu.Lock()
	ch, exists := c.pending[int(id)]
	if exists {
		delete(c.pending, int(id))
	}
	c.mu.Unlock()

	if exists {
		ch <- &resp
	}
}

// shutdown unblocks every outstanding call after the stream dies.
func (c *rpcClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func initializeParams() map[string]interface{} {
	return map[string]interface{}{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    clientName,
			"version": clientVersion,
		},
	}
}

// handshake runs the initialize exchange on a freshly opened rpcClient.
func handshake(ctx context.Context, c *rpcClient) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if _, err := c.call(hctx, "initialize", initializeParams()); err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}
	return c.notify("notifications/initialized", map[string]interface{}{})
}
