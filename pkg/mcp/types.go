// Package mcp carries the abstract tool-provider ports plus a stdio
// JSON-RPC 2.0 client and server facet. Messages are newline-framed
// JSON; the dialect is the minimal subset the gateway needs: an
// initialize handshake, tools/list, and tools/call.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mchahed99/heimdall-sub000/pkg/drift"
)

const (
	// ProtocolVersion is the handshake version offered and accepted.
	ProtocolVersion = "2024-11-05"

	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodListTools   = "tools/list"
	MethodCallTool    = "tools/call"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInternalError  = -32603
	CodeToolError      = -32000
)

// ToolProvider is the downstream port: something that exposes a tool
// catalogue and executes calls against it.
type ToolProvider interface {
	ListTools(ctx context.Context) ([]drift.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	Close() error
}

// Handler is the upstream port served to an agent. The proxy implements
// it with policy enforcement in front of a ToolProvider.
type Handler interface {
	ListTools(ctx context.Context) ([]drift.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
}

// Request is a JSON-RPC 2.0 request or notification (nil ID).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the error member of a response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// callParams is the params shape of tools/call.
type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// listResult is the result shape of tools/list.
type listResult struct {
	Tools []drift.Tool `json:"tools"`
}

// normalizeID maps JSON number ids onto a stable map key: decoded
// numbers arrive as float64 while requests are issued with int64.
func normalizeID(id any) any {
	switch v := id.(type) {
	case float64:
		if v == float64(int64(v)) {
			return int64(v)
		}
		return v
	case int:
		return int64(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		return v.String()
	default:
		return id
	}
}
