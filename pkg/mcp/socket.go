package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

const dialTimeout = 10 * time.Second

// socketTransport connects to an already-running server over TCP or a
// unix domain socket and speaks newline-delimited JSON-RPC.
type socketTransport struct {
	name string
	cfg  ServerConfig
	logs *RingBuffer

	mu     sync.Mutex
	conn   net.Conn
	client *rpcClient
}

func newSocketTransport(name string, cfg ServerConfig, logs *RingBuffer) *socketTransport {
	return &socketTransport{name: name, cfg: cfg, logs: logs}
}

// network infers the dial network from the address shape. Anything that
// looks like a filesystem path is a unix socket.
func (t *socketTransport) network() string {
	addr := t.cfg.Address
	if strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, "./") || strings.HasSuffix(addr, ".sock") {
		return "unix"
	}
	return "tcp"
}

func (t *socketTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, t.network(), t.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to connect to %q: %w", t.cfg.Address, err)
	}

	t.conn = conn
	t.client = newRPCClient(conn)

	go t.listen(conn)

	if err := handshake(ctx, t.client); err != nil {
		conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

func (t *socketTransport) listen(conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		t.client.dispatch(scanner.Bytes())
	}
	t.client.shutdown()
}

func (t *socketTransport) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return nil, fmt.Errorf("server %q is not connected", t.name)
	}
	return client.call(ctx, method, params)
}

func (t *socketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	t.client.shutdown()
	err := t.conn.Close()
	t.conn = nil
	return err
}
