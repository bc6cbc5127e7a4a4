// Package rpc provides the JSON-RPC 2.0 API of the link daemon.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/ankh/internal/link"
	"github.com/klingon-exchange/ankh/internal/node"
	"github.com/klingon-exchange/ankh/internal/storage"
	"github.com/klingon-exchange/ankh/pkg/logging"
)

// Backend is what the API serves. *node.Node implements it.
type Backend interface {
	Manager() *link.Manager
	Storage() *storage.Storage
	Info() node.Info
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	backend Backend
	log     *logging.Logger
	wsHub   *WSHub
	origins map[string]bool

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes.
const (
	SessionNotFound   = -32001
	NotLinked         = -32002
	AlreadyLinked     = -32003
	OperationInFlight = -32004
	UnknownOperation  = -32005
	PipelineError     = -32010 // data carries stage, kind and retryable
)

// ErrorData is attached to pipeline errors.
type ErrorData struct {
	Stage     link.Stage `json:"stage,omitempty"`
	Kind      link.Kind  `json:"kind"`
	Retryable bool       `json:"retryable"`
}

// NewServer creates a new JSON-RPC server. Session events are relayed to
// websocket clients from the moment the server exists.
func NewServer(backend Backend, allowedOrigins []string) *Server {
	s := &Server{
		backend:  backend,
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		handlers: make(map[string]Handler),
	}
	if len(allowedOrigins) > 0 {
		s.origins = make(map[string]bool, len(allowedOrigins))
		for _, o := range allowedOrigins {
			s.origins[o] = true
		}
	}

	backend.Manager().OnEvent(s.wsHub.Publish)
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["node_info"] = s.nodeInfo

	s.handlers["link_open"] = s.linkOpen
	s.handlers["link_connect"] = s.linkConnect
	s.handlers["link_disconnect"] = s.linkDisconnect
	s.handlers["link_close"] = s.linkClose
	s.handlers["link_status"] = s.linkStatus
	s.handlers["link_list"] = s.linkList
	s.handlers["link_submitTransfer"] = s.linkSubmitTransfer
	s.handlers["link_refreshBalance"] = s.linkRefreshBalance
	s.handlers["link_checkOperation"] = s.linkCheckOperation
	s.handlers["link_operations"] = s.linkOperations
}

// Start starts the RPC server.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /", s.handleCORS)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/", s.handleWS)

	s.server = &http.Server{
		Handler:     s.corsMiddleware(mux),
		ReadTimeout: 30 * time.Second,
		// Connect and submit wait on upstream endpoints.
		WriteTimeout: 2 * time.Minute,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server and disconnects websocket clients.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.wsHub.Stop()
	return err
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, &Error{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		s.writeError(w, req.ID, &Error{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, &Error{Code: MethodNotFound, Message: "Method not found", Data: req.Method})
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		rpcErr := toRPCError(err)
		if rpcErr.Code == InternalError {
			s.log.Warn("RPC method failed", "method", req.Method, "error", err)
		}
		s.writeError(w, req.ID, rpcErr)
		return
	}

	s.writeResult(w, req.ID, result)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Debug("Failed to write response", "error", err)
	}
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, rpcErr *Error) {
	resp := Response{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Debug("Failed to write response", "error", err)
	}
}

// paramsError marks a handler error as the caller's fault.
type paramsError struct {
	msg string
}

func (e *paramsError) Error() string { return e.msg }

func invalidParams(format string, args ...interface{}) error {
	return &paramsError{msg: fmt.Sprintf(format, args...)}
}

// toRPCError maps handler errors onto JSON-RPC error objects.
func toRPCError(err error) *Error {
	var pe *paramsError
	var se *link.StageError
	switch {
	case errors.As(err, &pe):
		return &Error{Code: InvalidParams, Message: pe.msg}
	case errors.As(err, &se):
		return &Error{
			Code:    PipelineError,
			Message: se.Error(),
			Data:    &ErrorData{Stage: se.Stage, Kind: se.Kind, Retryable: se.Retryable()},
		}
	case errors.Is(err, link.ErrSessionNotFound):
		return &Error{Code: SessionNotFound, Message: err.Error()}
	case errors.Is(err, link.ErrNotLinked):
		return &Error{Code: NotLinked, Message: err.Error()}
	case errors.Is(err, link.ErrAlreadyLinked):
		return &Error{Code: AlreadyLinked, Message: err.Error()}
	case errors.Is(err, link.ErrOperationInFlight):
		return &Error{Code: OperationInFlight, Message: err.Error()}
	case errors.Is(err, link.ErrUnknownOperation), errors.Is(err, storage.ErrOperationNotFound):
		return &Error{Code: UnknownOperation, Message: err.Error()}
	}

	if kind := link.Classify(err); kind != link.KindInternal {
		return &Error{
			Code:    PipelineError,
			Message: err.Error(),
			Data:    &ErrorData{Kind: kind, Retryable: kind == link.KindRelayUnavailable},
		}
	}
	return &Error{Code: InternalError, Message: err.Error()}
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// allowOrigin reports whether a browser origin may call the API. With no
// configured origins every origin is accepted.
func (s *Server) allowOrigin(origin string) bool {
	return s.origins == nil || origin == "" || s.origins[origin]
}

// corsMiddleware adds CORS headers to all responses.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !s.allowOrigin(origin) {
			http.Error(w, "Origin not allowed", http.StatusForbidden)
			return
		}
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
