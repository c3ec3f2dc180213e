// Package server runs the MCP request loop over a transport. Tools are
// registered by the caller; the server only knows how to list and call them.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/richard-senior/podds/internal/logger"
	"github.com/richard-senior/podds/pkg/protocol"
	"github.com/richard-senior/podds/pkg/transport"
)

// stopGrace is how long Start waits for Serve after closing the transport
const stopGrace = 2 * time.Second

// HandlerFunc handles one JSON-RPC method. Returning a *protocol.JsonRpcError
// sends that error code to the client; any other error becomes ErrInternal.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// ToolHandler runs a tool with its raw arguments. The result is sent back as
// indented JSON text; an error is sent as a tool result with isError set.
type ToolHandler func(ctx context.Context, args json.RawMessage) (any, error)

// ToolObserver is told the outcome of every tool call
type ToolObserver interface {
	ObserveTool(tool string, err error)
}

// Server represents an MCP server
type Server struct {
	transport transport.Transport
	info      protocol.Implementation
	observer  ToolObserver

	mu           sync.RWMutex
	handlers     map[string]HandlerFunc
	tools        []protocol.Tool
	toolHandlers map[string]ToolHandler
	shutdown     bool
}

type Option func(*Server)

// WithToolObserver reports tool calls to o
func WithToolObserver(o ToolObserver) Option {
	return func(s *Server) { s.observer = o }
}

// New creates a server with the built-in MCP methods registered
func New(t transport.Transport, info protocol.Implementation, opts ...Option) *Server {
	s := &Server{
		transport:    t,
		info:         info,
		handlers:     make(map[string]HandlerFunc),
		toolHandlers: make(map[string]ToolHandler),
	}
	for _, o := range opts {
		o(s)
	}
	s.handlers[string(protocol.MethodInitialize)] = s.handleInitialize
	s.handlers[string(protocol.MethodInitialized)] = s.handleInitialized
	s.handlers[string(protocol.MethodPing)] = s.handlePing
	s.handlers[string(protocol.MethodToolsList)] = s.handleToolsList
	s.handlers[string(protocol.MethodToolsCall)] = s.handleToolsCall
	s.handlers[string(protocol.MethodShutdown)] = s.handleShutdown
	return s
}

// RegisterTool registers a tool with the server. Registering a name twice
// replaces the earlier tool.
func (s *Server) RegisterTool(tool protocol.Tool, handler ToolHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.toolHandlers[tool.Name]; ok {
		for i := range s.tools {
			if s.tools[i].Name == tool.Name {
				s.tools[i] = tool
			}
		}
	} else {
		s.tools = append(s.tools, tool)
	}
	s.toolHandlers[tool.Name] = handler
	logger.Info("Registered tool:", tool.Name)
}

// Tools returns the registered tools in registration order
func (s *Server) Tools() []protocol.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]protocol.Tool, len(s.tools))
	copy(out, s.tools)
	return out
}

// Start serves until the client disconnects or the process is interrupted.
// On interrupt it closes the transport, when the transport can be closed, and
// gives Serve stopGrace to return before giving up on it.
func (s *Server) Start(ctx context.Context) error {
	logger.Info("Starting MCP server", s.info.Name, s.info.Version)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.Serve(ctx)
	}()

	served := false
	select {
	case err := <-errChan:
		if ctx.Err() == nil {
			return err
		}
		served = true
	case <-ctx.Done():
	}
	logger.Info("MCP server stopping:", ctx.Err())

	closer, ok := s.transport.(io.Closer)
	if !ok {
		return nil
	}
	if err := closer.Close(); err != nil {
		logger.Warn("Failed to close transport:", err)
	}
	if !served {
		select {
		case <-errChan:
		case <-time.After(stopGrace):
			logger.Warn("MCP server still blocked reading after " + stopGrace.String())
		}
	}
	return nil
}

// Serve processes requests until EOF, a shutdown request or ctx is done.
// A clean disconnect returns nil.
func (s *Server) Serve(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		req, err := s.transport.ReadRequest()
		if err != nil {
			// a closed stream after cancellation is a normal stop
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			var malformed *transport.MalformedError
			if errors.As(err, &malformed) {
				logger.Warn("Dropping malformed request:", err)
				resp := protocol.NewJsonRpcErrorResponse(protocol.ErrParse, malformed.Error(), nil, nil)
				if err := s.transport.WriteResponse(resp); err != nil {
					return err
				}
				continue
			}
			return err
		}

		resp := s.handleRequest(ctx, req)
		if resp != nil {
			if err := s.transport.WriteResponse(resp); err != nil {
				return err
			}
		}

		s.mu.RLock()
		done := s.shutdown
		s.mu.RUnlock()
		if done {
			logger.Info("Shutdown requested by client")
			return nil
		}
	}
}

// handleRequest dispatches one request. Notifications are handled but get
// no response.
func (s *Server) handleRequest(ctx context.Context, req *protocol.JsonRpcRequest) *protocol.JsonRpcResponse {
	logger.Info(">> ", req.Method)
	logger.Debug("Full request:", req.String())

	s.mu.RLock()
	handler := s.handlers[req.Method]
	s.mu.RUnlock()

	notification := req.IsNotification() || strings.HasPrefix(req.Method, protocol.NotificationPrefix)
	if notification {
		if handler != nil {
			if _, err := handler(ctx, req.Params); err != nil {
				logger.Warn("Notification "+req.Method+" failed:", err)
			}
		}
		return nil
	}

	if handler == nil {
		return protocol.NewJsonRpcErrorResponse(protocol.ErrMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method), nil, req.ID)
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		var rpcErr *protocol.JsonRpcError
		if errors.As(err, &rpcErr) {
			return protocol.NewJsonRpcErrorResponse(rpcErr.Code, rpcErr.Message, rpcErr.Data, req.ID)
		}
		return protocol.NewJsonRpcErrorResponse(protocol.ErrInternal, err.Error(), nil, req.ID)
	}

	resp, err := protocol.NewJsonRpcResponse(result, req.ID)
	if err != nil {
		return protocol.NewJsonRpcErrorResponse(protocol.ErrInternal, "Failed to marshal result: "+err.Error(), nil, req.ID)
	}
	logger.Debug("Full response:", resp.String())
	return resp
}

func invalidParams(format string, v ...any) *protocol.JsonRpcError {
	return &protocol.JsonRpcError{Code: protocol.ErrInvalidParams, Message: fmt.Sprintf(format, v...)}
}

// handleInitialize echoes the client's protocol version
func (s *Server) handleInitialize(_ context.Context, params json.RawMessage) (any, error) {
	version := protocol.DefaultProtocolVersion
	if len(params) > 0 {
		var p protocol.InitializeParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams("invalid initialize parameters: %v", err)
		}
		if p.ProtocolVersion != "" {
			version = p.ProtocolVersion
		}
		if p.ClientInfo.Name != "" {
			logger.Info("Client connected:", p.ClientInfo.Name, p.ClientInfo.Version)
		}
	}

	capabilities := map[string]any{}
	if len(s.Tools()) > 0 {
		capabilities["tools"] = map[string]any{}
	}
	return protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    capabilities,
		ServerInfo:      s.info,
	}, nil
}

func (s *Server) handleInitialized(context.Context, json.RawMessage) (any, error) {
	logger.Info("Client initialization complete")
	return struct{}{}, nil
}

func (s *Server) handlePing(context.Context, json.RawMessage) (any, error) {
	return struct{}{}, nil
}

func (s *Server) handleShutdown(context.Context, json.RawMessage) (any, error) {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	return struct{}{}, nil
}

func (s *Server) handleToolsList(context.Context, json.RawMessage) (any, error) {
	return protocol.ToolsListResult{Tools: s.Tools()}, nil
}

// handleToolsCall runs a registered tool. Unknown tools are a protocol
// error; a tool that fails returns an isError result.
func (s *Server) handleToolsCall(ctx context.Context, params json.RawMessage) (any, error) {
	var p protocol.ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams("invalid tools/call parameters: %v", err)
	}
	if p.Name == "" {
		return nil, invalidParams("tools/call requires a tool name")
	}

	s.mu.RLock()
	handler, ok := s.toolHandlers[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, invalidParams("unknown tool: %s", p.Name)
	}

	logger.Info("Calling tool", p.Name)
	result, err := runTool(ctx, handler, p.Arguments)
	if s.observer != nil {
		s.observer.ObserveTool(p.Name, err)
	}
	if err != nil {
		logger.Warn("Tool "+p.Name+" failed:", err)
		return protocol.TextResult(err.Error(), true), nil
	}

	if text, ok := result.(string); ok {
		return protocol.TextResult(text, false), nil
	}
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return protocol.TextResult("failed to encode tool result: "+err.Error(), true), nil
	}
	return protocol.TextResult(string(b), false), nil
}

// runTool calls handler, turning a panic into an error
func runTool(ctx context.Context, handler ToolHandler, args json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return handler(ctx, args)
}
