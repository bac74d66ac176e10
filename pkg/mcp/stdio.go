package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mchahed99/heimdall-sub000/pkg/drift"
)

const (
	scanBufferInitial = 64 * 1024
	scanBufferMax     = 10 * 1024 * 1024
	shutdownGrace     = 3 * time.Second
)

// StdioClient speaks JSON-RPC over a subprocess's stdin/stdout, one
// message per line. The subprocess's stderr passes through to ours so
// provider diagnostics stay visible.
type StdioClient struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[any]chan *Response

	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// StartStdioClient launches the provider subprocess and performs the
// initialize handshake.
func StartStdioClient(ctx context.Context, command string, args ...string) (*StdioClient, error) {
	cmd := exec.Command(command, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("mcp: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("mcp: start provider %q: %w", command, err)
	}

	c := newClient(stdin, stdout, command)
	c.cmd = cmd

	if err := c.initialize(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// newClient wires a session over explicit pipes. StartStdioClient layers
// subprocess management on top; tests drive the pipes directly.
func newClient(stdin io.WriteCloser, stdout io.Reader, name string) *StdioClient {
	c := &StdioClient{
		stdin:   stdin,
		pending: make(map[any]chan *Response),
		done:    make(chan struct{}),
		logger:  slog.Default().With("component", "mcp", "provider", name),
	}
	go c.readLoop(stdout)
	return c
}

func (c *StdioClient) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      map[string]any{"name": "bifrost", "version": "1"},
		"capabilities":    map[string]any{},
	}
	if _, err := c.call(ctx, MethodInitialize, params); err != nil {
		return fmt.Errorf("mcp: initialize handshake: %w", err)
	}
	if err := c.notify(MethodInitialized, nil); err != nil {
		return fmt.Errorf("mcp: initialized notification: %w", err)
	}
	return nil
}

// readLoop is the only reader of the provider's stdout. It matches
// responses to pending calls by id; unmatched lines are logged and
// dropped.
func (c *StdioClient) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scanBufferInitial), scanBufferMax)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp Response
		if err := json.Unmarshal(line, &resp); err != nil || resp.ID == nil {
			c.logger.Debug("dropping unmatched provider output", "bytes", len(line))
			continue
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[normalizeID(resp.ID)]
		if ok {
			delete(c.pending, normalizeID(resp.ID))
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- &resp
		}
	}

	// Provider stdout closed: fail everything still in flight.
	c.closeOnce.Do(func() { close(c.done) })
	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()
}

func (c *StdioClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-c.done:
		return nil, fmt.Errorf("mcp: provider session closed")
	default:
	}

	id := c.nextID.Add(1)
	ch := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	if err := c.write(Request{JSONRPC: "2.0", ID: id, Method: method, Params: marshalParams(params)}); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("mcp: provider exited during %s", method)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("mcp: %s failed: %w", method, resp.Error)
		}
		return resp.Result, nil
	case <-c.done:
		return nil, fmt.Errorf("mcp: provider exited during %s", method)
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, ctx.Err()
	}
}

func (c *StdioClient) notify(method string, params any) error {
	return c.write(Request{JSONRPC: "2.0", Method: method, Params: marshalParams(params)})
}

func (c *StdioClient) write(req Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("mcp: encode %s: %w", req.Method, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stdin.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("mcp: write %s: %w", req.Method, err)
	}
	return nil
}

// ListTools fetches the provider's tool catalogue.
func (c *StdioClient) ListTools(ctx context.Context) ([]drift.Tool, error) {
	raw, err := c.call(ctx, MethodListTools, map[string]any{})
	if err != nil {
		return nil, err
	}
	var res listResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("mcp: decode tool catalogue: %w", err)
	}
	return res.Tools, nil
}

// CallTool invokes one tool and returns the raw result value.
func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	raw, err := c.call(ctx, MethodCallTool, callParams{Name: name, Arguments: args})
	if err != nil {
		return nil, err
	}
	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("mcp: decode tool result: %w", err)
	}
	return result, nil
}

// Close signals EOF to the provider and waits briefly before killing it.
func (c *StdioClient) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	_ = c.stdin.Close()
	if c.cmd == nil {
		return nil
	}

	waited := make(chan error, 1)
	go func() { waited <- c.cmd.Wait() }()
	select {
	case err := <-waited:
		return err
	case <-time.After(shutdownGrace):
		c.logger.Warn("provider did not exit, killing")
		_ = c.cmd.Process.Kill()
		return <-waited
	}
}

func marshalParams(params any) json.RawMessage {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return raw
}
