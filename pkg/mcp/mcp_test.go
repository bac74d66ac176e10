package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mchahed99/heimdall-sub000/pkg/drift"
)

type fakeHandler struct {
	tools   []drift.Tool
	callErr error
	lastArg map[string]any
}

func (h *fakeHandler) ListTools(context.Context) ([]drift.Tool, error) {
	return h.tools, nil
}

func (h *fakeHandler) CallTool(_ context.Context, name string, args map[string]any) (any, error) {
	if h.callErr != nil {
		return nil, h.callErr
	}
	h.lastArg = args
	return map[string]any{"tool": name, "ok": true}, nil
}

func serveLines(t *testing.T, h Handler, lines ...string) []Response {
	t.Helper()
	var out bytes.Buffer
	srv := NewServer(h, &out)
	require.NoError(t, srv.Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n")))

	var responses []Response
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var resp Response
		require.NoError(t, json.Unmarshal(sc.Bytes(), &resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestServerInitializeHandshake(t *testing.T) {
	resps := serveLines(t, &fakeHandler{},
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
	)
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)

	var result map[string]any
	require.NoError(t, json.Unmarshal(resps[0].Result, &result))
	assert.Equal(t, ProtocolVersion, result["protocolVersion"])
}

func TestServerListTools(t *testing.T) {
	h := &fakeHandler{tools: []drift.Tool{
		{Name: "list_files", Description: "Lists files"},
		{Name: "send_report"},
	}}
	resps := serveLines(t, h, `{"jsonrpc":"2.0","id":5,"method":"tools/list"}`)
	require.Len(t, resps, 1)

	var result listResult
	require.NoError(t, json.Unmarshal(resps[0].Result, &result))
	require.Len(t, result.Tools, 2)
	assert.Equal(t, "list_files", result.Tools[0].Name)
}

func TestServerCallTool(t *testing.T) {
	h := &fakeHandler{}
	resps := serveLines(t, h,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"Bash","arguments":{"command":"ls"}}}`,
	)
	require.Len(t, resps, 1)
	require.Nil(t, resps[0].Error)
	assert.Equal(t, map[string]any{"command": "ls"}, h.lastArg)
}

func TestServerCallToolErrorSurfaces(t *testing.T) {
	h := &fakeHandler{callErr: errors.New("halted by policy")}
	resps := serveLines(t, h,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"Bash"}}`,
	)
	require.Len(t, resps, 1)
	require.NotNil(t, resps[0].Error)
	assert.Equal(t, CodeToolError, resps[0].Error.Code)
	assert.Contains(t, resps[0].Error.Message, "halted by policy")
}

func TestServerRejectsMalformedTraffic(t *testing.T) {
	resps := serveLines(t, &fakeHandler{},
		`this is not json`,
		`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{}}`,
		`{"jsonrpc":"2.0","id":8,"method":"resources/read"}`,
	)
	require.Len(t, resps, 3)
	assert.Equal(t, CodeParseError, resps[0].Error.Code)
	assert.Equal(t, CodeInvalidRequest, resps[1].Error.Code)
	assert.Equal(t, CodeMethodNotFound, resps[2].Error.Code)
}

// Loopback: a real client session against the server facet over pipes.
func loopback(t *testing.T, h Handler) *StdioClient {
	t.Helper()
	toServer, clientWrites := io.Pipe()
	clientReads, fromServer := io.Pipe()

	srv := NewServer(h, fromServer)
	go func() { _ = srv.Serve(context.Background(), toServer) }()

	c := newClient(clientWrites, clientReads, "loopback")
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientLoopback(t *testing.T) {
	h := &fakeHandler{tools: []drift.Tool{{Name: "list_files"}}}
	c := loopback(t, h)
	ctx := context.Background()

	require.NoError(t, c.initialize(ctx))

	tools, err := c.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "list_files", tools[0].Name)

	result, err := c.CallTool(ctx, "list_files", map[string]any{"path": "/tmp"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tool": "list_files", "ok": true}, result)
	assert.Equal(t, map[string]any{"path": "/tmp"}, h.lastArg)
}

func TestClientSurfacesRPCError(t *testing.T) {
	h := &fakeHandler{callErr: errors.New("blocked")}
	c := loopback(t, h)

	_, err := c.CallTool(context.Background(), "Bash", nil)
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, CodeToolError, rpcErr.Code)
}

func TestClientFailsPendingWhenProviderExits(t *testing.T) {
	toNowhere, clientWrites := io.Pipe()
	clientReads, providerOut := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, toNowhere) }()

	c := newClient(clientWrites, clientReads, "dying")
	defer func() { _ = c.Close() }()

	done := make(chan error, 1)
	go func() {
		_, err := c.ListTools(context.Background())
		done <- err
	}()

	// Provider dies mid-call.
	time.Sleep(20 * time.Millisecond)
	_ = providerOut.Close()

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "provider exited")
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail")
	}
}

func TestClientRespectsContextCancellation(t *testing.T) {
	toNowhere, clientWrites := io.Pipe()
	clientReads, _ := io.Pipe()
	go func() { _, _ = io.Copy(io.Discard, toNowhere) }()

	c := newClient(clientWrites, clientReads, "silent")
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.ListTools(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNormalizeID(t *testing.T) {
	assert.Equal(t, int64(3), normalizeID(float64(3)))
	assert.Equal(t, int64(3), normalizeID(3))
	assert.Equal(t, int64(3), normalizeID(json.Number("3")))
	assert.Equal(t, 3.5, normalizeID(3.5))
	assert.Equal(t, "abc", normalizeID("abc"))
}
