package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	buerrors "git.home.luguber.info/inful/autobuildd/internal/errors"
	"git.home.luguber.info/inful/autobuildd/internal/logfields"
	"git.home.luguber.info/inful/autobuildd/internal/state"
)

// JSON-RPC 2.0 error codes for the facade's error taxonomy.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
	rpcNotFound       = -32004
	rpcAlreadyBusy    = -32010
	rpcNotRunning     = -32011
)

// HTTPServer exposes the facade over a thin JSON-RPC 2.0 endpoint plus
// health and metrics. The facade itself stays transport-agnostic.
type HTTPServer struct {
	facade   *Facade
	registry *prometheus.Registry
	server   *http.Server
}

// NewHTTPServer creates the transport layer. registry may be nil, which
// disables the metrics endpoint.
func NewHTTPServer(listen string, facade *Facade, registry *prometheus.Registry) *HTTPServer {
	s := &HTTPServer{facade: facade, registry: registry}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", s.handleRPC)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the listener in the background.
func (s *HTTPServer) Start() {
	go func() {
		slog.Info("RPC server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("RPC server failed", logfields.Error(err))
		}
	}()
}

// Stop gracefully shuts the listener down.
func (s *HTTPServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *HTTPServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: rpcParseError, Message: "parse error"},
		})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: rpcInvalidRequest, Message: "invalid request"},
			ID:      req.ID,
		})
		return
	}

	result, err := s.dispatch(r.Context(), req.Method, req.Params)
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		resp.Error = toRPCError(err)
		slog.Debug("RPC call failed", "method", req.Method, logfields.Error(err))
	} else {
		resp.Result = result
	}
	writeRPC(w, resp)
}

type buildParams struct {
	ProfileName  string            `json:"profile_name"`
	ProjectPath  *string           `json:"project_path,omitempty"`
	BuildCommand *string           `json:"build_command,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	Timeout      *int              `json:"timeout,omitempty"`
	Enabled      *bool             `json:"enabled,omitempty"`
	Lines        int               `json:"lines,omitempty"`
	Limit        int               `json:"limit,omitempty"`
}

func (s *HTTPServer) dispatch(ctx context.Context, method string, raw json.RawMessage) (any, error) {
	var p buildParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, buerrors.ValidationFailed("params", err.Error())
		}
	}

	switch method {
	case "configure_build":
		return s.facade.Configure(p.ProfileName, state.ProfileConfig{
			ProjectPath:    p.ProjectPath,
			BuildCommand:   p.BuildCommand,
			Environment:    p.Environment,
			TimeoutSeconds: p.Timeout,
		})

	case "toggle_autobuild":
		if p.Enabled == nil {
			return nil, buerrors.ValidationFailed("enabled", "required")
		}
		return s.facade.SetAutobuild(p.ProfileName, *p.Enabled)

	case "list_builds":
		return map[string]any{"profiles": s.facade.List()}, nil

	case "get_build_status":
		status, err := s.facade.Status(p.ProfileName)
		if err != nil {
			return nil, err
		}
		return map[string]any{"profile_name": p.ProfileName, "status": status}, nil

	case "start_build":
		pos, err := s.facade.Start(p.ProfileName)
		if err != nil {
			return nil, err
		}
		return map[string]any{"profile_name": p.ProfileName, "queue_position": pos}, nil

	case "stop_build":
		if err := s.facade.Stop(p.ProfileName); err != nil {
			return nil, err
		}
		return map[string]any{"profile_name": p.ProfileName, "stopped": true}, nil

	case "delete_build_profile":
		if err := s.facade.Delete(p.ProfileName); err != nil {
			return nil, err
		}
		return map[string]any{"profile_name": p.ProfileName, "deleted": true}, nil

	case "get_build_log":
		content, err := s.facade.Log(p.ProfileName, p.Lines)
		if err != nil {
			return nil, err
		}
		return map[string]any{"profile_name": p.ProfileName, "log": content}, nil

	case "get_build_history":
		entries, err := s.facade.History(ctx, p.ProfileName, p.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"profile_name": p.ProfileName, "runs": entries}, nil

	default:
		return nil, fmt.Errorf("%w: %s", errMethodNotFound, method)
	}
}

var errMethodNotFound = errors.New("method not found")

func toRPCError(err error) *rpcError {
	if errors.Is(err, errMethodNotFound) {
		return &rpcError{Code: rpcMethodNotFound, Message: err.Error()}
	}
	code := rpcInternalError
	switch buerrors.CategoryOf(err) {
	case buerrors.CategoryNotFound:
		code = rpcNotFound
	case buerrors.CategoryAlreadyBusy:
		code = rpcAlreadyBusy
	case buerrors.CategoryNotRunning:
		code = rpcNotRunning
	case buerrors.CategoryValidation:
		code = rpcInvalidParams
	}
	return &rpcError{Code: code, Message: err.Error()}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
