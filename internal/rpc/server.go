package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/engramdev/engram/internal/engramerr"
	"github.com/engramdev/engram/internal/service"
)

const protocolVersion = "2024-11-05"

// Server speaks JSON-RPC 2.0 over stdio, one message per line. stdout is
// reserved for protocol frames; all logging goes to stderr.
type Server struct {
	svc    *service.Service
	logger *slog.Logger
}

func NewServer(svc *service.Service, logger *slog.Logger) *Server {
	return &Server{svc: svc, logger: logger}
}

// Serve reads requests from r and writes responses to w until EOF or the
// context is cancelled.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.write(enc, newErrorResponse(nil, codeParseError, "parse error", err.Error()))
			continue
		}

		resp, notify := s.handle(ctx, &req)
		if notify {
			continue
		}
		s.write(enc, resp)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read rpc input: %w", err)
	}
	return nil
}

// handle processes one request. The second return is true for notifications,
// which get no response.
func (s *Server) handle(ctx context.Context, req *Request) (Response, bool) {
	if req.JSONRPC != "2.0" {
		return newErrorResponse(req.ID, codeInvalidRequest, "jsonrpc must be 2.0", nil), false
	}
	if strings.HasPrefix(req.Method, "notifications/") {
		return Response{}, true
	}

	switch req.Method {
	case "initialize":
		return newResponse(req.ID, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]string{"name": "engram", "version": "1.0.0"},
		}), false

	case "ping":
		return newResponse(req.ID, map[string]interface{}{}), false

	case "tools/list":
		return newResponse(req.ID, map[string]interface{}{"tools": toolDefinitions()}), false

	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return newErrorResponse(req.ID, codeInvalidParams, "invalid params", err.Error()), false
		}

		result, err := s.dispatchTool(ctx, params.Name, params.Arguments)
		if err != nil {
			return s.errorResponse(req.ID, params.Name, err), false
		}
		return newResponse(req.ID, result), false
	}
	return newErrorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method, nil), false
}

// errorResponse maps coded domain errors onto the wire: the code and the
// remediation hint travel in the error data so callers can act on them.
func (s *Server) errorResponse(id json.RawMessage, tool string, err error) Response {
	e := engramerr.From(err)
	s.logger.Warn("tool call failed", "tool", tool, "code", e.Code, "error", err)

	data := map[string]string{"code": string(e.Code)}
	if e.Hint != "" {
		data["hint"] = e.Hint
	}
	rpcCode := codeInternalError
	if e.Code == engramerr.CodeValidation {
		rpcCode = codeInvalidParams
	}
	return newErrorResponse(id, rpcCode, e.Message, data)
}

func (s *Server) write(enc *json.Encoder, resp Response) {
	if err := enc.Encode(resp); err != nil {
		s.logger.Error("write rpc response", "error", err)
	}
}
