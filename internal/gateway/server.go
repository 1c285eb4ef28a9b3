// Package gateway exposes the agent over HTTP. Every route except /health,
// /version and /pair requires a paired bearer token.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/MEKXH/warden/internal/audit"
	"github.com/MEKXH/warden/internal/config"
	"github.com/MEKXH/warden/internal/pairing"
	"github.com/MEKXH/warden/internal/policy"
	"github.com/MEKXH/warden/internal/tools"
	"github.com/MEKXH/warden/internal/version"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ChannelWebhook is the session channel of webhook tool calls.
const ChannelWebhook = "webhook"

// maxWebhookBody caps a webhook request body.
const maxWebhookBody = 1 << 20

// Dispatcher runs one gated tool call.
type Dispatcher interface {
	Execute(ctx context.Context, session policy.Session, name, argsJSON string) (string, error)
}

// TokenSink persists the paired token hashes after they change.
type TokenSink interface {
	SaveTokenHashes(hashes []string) error
}

// TokenSinkFunc adapts a function to TokenSink.
type TokenSinkFunc func(hashes []string) error

func (f TokenSinkFunc) SaveTokenHashes(hashes []string) error { return f(hashes) }

// Deps are the collaborators behind the routes. Audit and Tokens may be nil.
type Deps struct {
	Guard  *pairing.Guard
	Engine *policy.Engine
	Tools  Dispatcher
	Tokens TokenSink
	Audit  *audit.Logger
}

type Server struct {
	cfg        config.GatewayConfig
	deps       Deps
	httpServer *http.Server
}

func New(cfg config.GatewayConfig, deps Deps) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port <= 0 {
		port = 42617
	}

	cfg.Host = host
	cfg.Port = port
	return &Server{
		cfg:  cfg,
		deps: deps,
	}
}

func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           NewHandler(s.cfg, s.deps),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if s.deps.Guard.PairingCode() != "" {
		slog.Info("gateway awaiting pairing", "addr", s.httpServer.Addr)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("gateway listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type handler struct {
	deps    Deps
	limiter *clientLimiter
}

func NewHandler(cfg config.GatewayConfig, deps Deps) http.Handler {
	h := &handler{
		deps:    deps,
		limiter: newClientLimiter(cfg.PairRateLimitPerMinute, cfg.RateLimitMaxKeys),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.health)
	mux.HandleFunc("/version", h.version)
	mux.HandleFunc("/pair", h.pair)
	mux.Handle("/webhook", h.requireToken(http.HandlerFunc(h.webhook)))
	mux.Handle("/api/status", h.requireToken(http.HandlerFunc(h.status)))
	mux.Handle("/api/pair", h.requireToken(http.HandlerFunc(h.unpair)))
	return mux
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.Method != http.MethodGet {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"paired":     h.deps.Guard.IsPaired(),
		"request_id": requestID,
	})
}

func (h *handler) version(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.Method != http.MethodGet {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    version.Version,
		"request_id": requestID,
	})
}

func (h *handler) pair(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.Method != http.MethodPost {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if !h.limiter.allow(clientKey(r)) {
		writeError(w, requestID, http.StatusTooManyRequests, "rate_limited", "too many pairing attempts")
		return
	}
	if !h.deps.Guard.RequirePairing() {
		writeError(w, requestID, http.StatusConflict, "pairing_disabled", "pairing is disabled")
		return
	}

	token, err := h.deps.Guard.TryPair(r.Header.Get("X-Pairing-Code"))
	switch {
	case err == nil:
	case errors.Is(err, pairing.ErrLockedOut):
		h.audit(r, requestID, "pair", "deny", err.Error())
		writeError(w, requestID, http.StatusTooManyRequests, "locked_out", err.Error())
		return
	case errors.Is(err, pairing.ErrNoPendingCode):
		writeError(w, requestID, http.StatusConflict, "already_paired", "no pairing code is outstanding")
		return
	case errors.Is(err, pairing.ErrInvalidCode):
		h.audit(r, requestID, "pair", "deny", "invalid pairing code")
		writeError(w, requestID, http.StatusForbidden, "invalid_code", "invalid pairing code")
		return
	default:
		slog.Error("gateway pairing failed", "request_id", requestID, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "pairing failed")
		return
	}

	if err := h.persistTokens(); err != nil {
		h.deps.Guard.Revoke(token)
		slog.Error("persist paired token", "request_id", requestID, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "failed to persist token")
		return
	}
	h.audit(r, requestID, "pair", "allow", "client paired")
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"request_id": requestID,
	})
}

func (h *handler) unpair(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.Method != http.MethodDelete {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	token, _ := bearerToken(r)
	if !h.deps.Guard.Revoke(token) {
		writeError(w, requestID, http.StatusNotFound, "not_found", "token is not paired")
		return
	}
	if err := h.persistTokens(); err != nil {
		slog.Error("persist token revocation", "request_id", requestID, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "failed to persist revocation")
		return
	}
	h.audit(r, requestID, "unpair", "allow", "token revoked")
	writeJSON(w, http.StatusOK, map[string]any{
		"revoked":    true,
		"request_id": requestID,
	})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.Method != http.MethodGet {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	body := map[string]any{
		"version":    version.Version,
		"request_id": requestID,
	}
	if h.deps.Engine != nil {
		body["policy"] = h.deps.Engine.Snapshot()
	}
	if h.deps.Audit != nil {
		body["audit_failures"] = h.deps.Audit.Failures()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handler) webhook(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestID(r)
	if r.Method != http.MethodPost {
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	var req struct {
		Tool      string          `json:"tool"`
		Args      json.RawMessage `json:"args"`
		SessionID string          `json:"session_id"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, requestID, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return
		}
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
		return
	}
	toolName := strings.TrimSpace(req.Tool)
	if toolName == "" {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "tool is required")
		return
	}
	args := strings.TrimSpace(string(req.Args))
	if args == "" || args == "null" {
		args = "{}"
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = "default"
	}

	if h.deps.Tools == nil {
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "tool dispatcher is not configured")
		return
	}

	ctx := tools.WithInvocationContext(r.Context(), tools.InvocationContext{RequestID: requestID})
	session := policy.Session{ID: sessionID, Channel: ChannelWebhook}
	result, err := h.deps.Tools.Execute(ctx, session, toolName, args)
	if err != nil {
		h.writeDispatchError(w, requestID, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":     result,
		"session_id": sessionID,
		"request_id": requestID,
	})
}

func (h *handler) writeDispatchError(w http.ResponseWriter, requestID string, err error) {
	var denied *tools.DeniedError
	switch {
	case errors.As(err, &denied):
		writeJSON(w, http.StatusForbidden, map[string]any{
			"code":       "denied",
			"message":    denied.Decision.Reason,
			"rule":       denied.Decision.Rule,
			"request_id": requestID,
		})
	case errors.Is(err, tools.ErrUnknownTool):
		writeError(w, requestID, http.StatusNotFound, "unknown_tool", err.Error())
	case policy.IsMalformed(err):
		writeError(w, requestID, http.StatusBadRequest, "bad_request", err.Error())
	default:
		slog.Error("gateway tool call failed", "request_id", requestID, "error", err)
		writeError(w, requestID, http.StatusInternalServerError, "internal_error", "tool call failed")
	}
}

// requireToken rejects requests without a paired bearer token before next
// sees them.
func (h *handler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !h.deps.Guard.RequirePairing() || (ok && h.deps.Guard.IsAuthenticated(token)) {
			next.ServeHTTP(w, r)
			return
		}
		requestID := getRequestID(r)
		h.audit(r, requestID, "authenticate", "deny", "missing or invalid bearer token")
		writeError(w, requestID, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
	})
}

func (h *handler) persistTokens() error {
	if h.deps.Tokens == nil {
		return nil
	}
	return h.deps.Tokens.SaveTokenHashes(h.deps.Guard.TokenHashes())
}

func (h *handler) audit(r *http.Request, requestID, action, decision, reason string) {
	if h.deps.Audit == nil {
		return
	}
	_ = h.deps.Audit.Record(context.WithoutCancel(r.Context()), audit.Entry{
		Actor:    "gateway:" + clientKey(r),
		Action:   action,
		Decision: decision,
		Reason:   reason,
		Session:  requestID,
	})
}

func bearerToken(r *http.Request) (string, bool) {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(got, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(got, prefix))
	return token, token != ""
}

func getRequestID(r *http.Request) string {
	rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if rid != "" {
		return rid
	}
	return uuid.NewString()
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
