// Package mcp serves the simulator as a single MCP tool over stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"medsim/internal/cases"
	"medsim/internal/session"
)

// ToolName is the only tool exposed by the server.
const ToolName = "simulator"

// JSON-RPC error codes
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeActionFailed   = -32000
)

// Server represents an MCP server
type Server struct {
	manager *session.Manager
	cases   cases.Source
	logger  *zap.Logger
	version string

	// mu serializes writes to the output stream.
	mu sync.Mutex
}

// NewServer creates a new MCP server
func NewServer(manager *session.Manager, src cases.Source, logger *zap.Logger, version string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if version == "" {
		version = "dev"
	}
	return &Server{
		manager: manager,
		cases:   src,
		logger:  logger.Named("mcp"),
		version: version,
	}
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Serve reads newline-delimited requests from in until EOF or ctx is done.
// Notifications (requests without an id) get no response.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req JSONRPCRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(out, errorResponse(nil, codeParseError, "Parse error", err.Error()))
			continue
		}

		resp := s.handleRequest(ctx, &req)
		if req.ID == nil {
			continue
		}
		s.write(out, resp)
	}

	return scanner.Err()
}

func (s *Server) write(out io.Writer, resp *JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal response", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintln(out, string(data)); err != nil {
		s.logger.Error("failed to write response", zap.Error(err))
	}
}

// handleRequest routes requests to appropriate handlers
func (s *Server) handleRequest(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized", "ping":
		return &JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolCall(ctx, req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, "Method not found", req.Method)
	}
}

func (s *Server) handleInitialize(req *JSONRPCRequest) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities": map[string]any{
				"tools": map[string]any{},
			},
			"serverInfo": map[string]any{
				"name":    "medsim",
				"version": s.version,
			},
		},
	}
}

func (s *Server) handleToolsList(req *JSONRPCRequest) *JSONRPCResponse {
	tools := []map[string]any{
		{
			"name":        ToolName,
			"description": "Clinical case simulator: interview a simulated patient, request diagnostics round by round and receive structured feedback.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"action": map[string]any{
						"type":        "string",
						"enum":        actionNames(),
						"description": "Action to perform. Use 'list_actions' to see what each one expects.",
					},
					"params": map[string]any{
						"type":        "object",
						"description": "Action-specific parameters. Every action except start, list_cases and list_actions needs session_id.",
					},
				},
				"required": []string{"action"},
			},
		},
	}

	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  map[string]any{"tools": tools},
	}
}

type toolCall struct {
	Name      string `json:"name"`
	Arguments struct {
		Action string          `json:"action"`
		Params json.RawMessage `json:"params"`
	} `json:"arguments"`
}

func (s *Server) handleToolCall(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	var call toolCall
	if err := json.Unmarshal(req.Params, &call); err != nil {
		return errorResponse(req.ID, codeInvalidParams, "Invalid params", err.Error())
	}
	if call.Name != ToolName {
		return errorResponse(req.ID, codeInvalidParams, "Unknown tool", call.Name)
	}
	if call.Arguments.Action == "" {
		return errorResponse(req.ID, codeInvalidParams, "Missing action parameter", nil)
	}

	result, err := s.dispatchAction(ctx, call.Arguments.Action, call.Arguments.Params)
	if err != nil {
		s.logger.Warn("action failed", zap.String("action", call.Arguments.Action), zap.Error(err))
		return errorResponse(req.ID, codeActionFailed, "Action failed", actionError(err))
	}

	text, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errorResponse(req.ID, codeActionFailed, "Action failed", err.Error())
	}

	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": string(text)},
			},
		},
	}
}

func errorResponse(id any, code int, message string, data any) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}
}
