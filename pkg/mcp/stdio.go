package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// stopGrace is how long a stdio server gets to exit after an interrupt
// before it is killed.
const stopGrace = 5 * time.Second

// stdioTransport runs a server as a child process and speaks
// newline-delimited JSON-RPC over its stdin/stdout. Stderr is captured
// into the server's log ring.
type stdioTransport struct {
	name string
	cfg  ServerConfig
	logs *RingBuffer

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	client *rpcClient
}

func newStdioTransport(name string, cfg ServerConfig, logs *RingBuffer) *stdioTransport {
	return &stdioTransport{name: name, cfg: cfg, logs: logs}
}

func (t *stdioTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cmd != nil {
		return nil
	}

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.Cwd
	cmd.Env = os.Environ()
	for k, v := range t.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %q: %w", t.cfg.Command, err)
	}

	t.cmd = cmd
	t.stdin = stdin
	t.client = newRPCClient(stdin)

	go t.listen(stdout)
	go t.drainStderr(stderr)

	if err := handshake(ctx, t.client); err != nil {
		t.stopLocked()
		return err
	}
	return nil
}

func (t *stdioTransport) listen(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		t.client.dispatch(scanner.Bytes())
	}
	t.client.shutdown()
}

func (t *stdioTransport) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		t.logs.Append(time.Now().Format(time.RFC3339) + " " + line)
		log.Debug().Str("server", t.name).Str("stderr", line).Msg("Tool server output")
	}
}

func (t *stdioTransport) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return nil, fmt.Errorf("server %q is not started", t.name)
	}
	return client.call(ctx, method, params)
}

func (t *stdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked()
}

// stopLocked interrupts the child process, escalating to a kill if it
// does not exit within the grace period.
func (t *stdioTransport) stopLocked() error {
	if t.cmd == nil {
		return nil
	}
	cmd := t.cmd
	t.cmd = nil

	if t.client != nil {
		t.client.shutdown()
	}
	if t.stdin != nil {
		t.stdin.Close()
	}

	if cmd.Process != nil {
		_ = cmd.Process.Signal(os.Interrupt)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-done:
	case <-time.After(stopGrace):
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-done
	}
	return nil
}
