package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Server answers an agent's JSON-RPC session over a reader/writer pair,
// dispatching catalogue and call requests to the handler. One goroutine
// reads; responses are serialized by a write mutex so handler dispatch
// could fan out later without framing races.
type Server struct {
	handler Handler
	out     io.Writer
	writeMu sync.Mutex
	logger  *slog.Logger
}

func NewServer(handler Handler, out io.Writer) *Server {
	return &Server{
		handler: handler,
		out:     out,
		logger:  slog.Default().With("component", "mcp-server"),
	}
}

// Serve reads newline-framed requests until EOF or context cancellation.
// A closed input is a normal session end, not an error.
func (s *Server) Serve(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, scanBufferInitial), scanBufferMax)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.respondError(nil, CodeParseError, "parse error")
			continue
		}
		s.dispatch(ctx, &req)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("mcp: read session: %w", err)
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, req *Request) {
	switch req.Method {
	case MethodInitialize:
		s.respond(req.ID, map[string]any{
			"protocolVersion": ProtocolVersion,
			"serverInfo":      map[string]any{"name": "bifrost", "version": "1"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		})

	case MethodInitialized:
		// Notification, no response.

	case MethodListTools:
		tools, err := s.handler.ListTools(ctx)
		if err != nil {
			s.respondError(req.ID, CodeToolError, err.Error())
			return
		}
		s.respond(req.ID, listResult{Tools: tools})

	case MethodCallTool:
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			s.respondError(req.ID, CodeInvalidRequest, "tools/call requires a tool name")
			return
		}
		result, err := s.handler.CallTool(ctx, params.Name, params.Arguments)
		if err != nil {
			s.respondError(req.ID, CodeToolError, err.Error())
			return
		}
		s.respond(req.ID, result)

	default:
		if req.ID == nil {
			// Unknown notification; ignore.
			return
		}
		s.respondError(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (s *Server) respond(id any, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.respondError(id, CodeInternalError, "failed to encode result")
		return
	}
	s.write(Response{JSONRPC: "2.0", ID: id, Result: raw})
}

func (s *Server) respondError(id any, code int, message string) {
	s.write(Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}})
}

func (s *Server) write(resp Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encode response failed", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(raw, '\n')); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}
