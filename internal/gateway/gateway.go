// Package gateway is the HTTP and websocket surface of the daemon.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/streamdesk/internal/audit"
	"github.com/basket/streamdesk/internal/config"
	"github.com/basket/streamdesk/internal/connections"
	"github.com/basket/streamdesk/internal/ledger"
	"github.com/basket/streamdesk/internal/metrics"
	otelPkg "github.com/basket/streamdesk/internal/otel"
	"github.com/basket/streamdesk/internal/persistence"
	"github.com/basket/streamdesk/internal/prompts"
	"github.com/basket/streamdesk/internal/shared"
	"github.com/basket/streamdesk/internal/stream"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

type Config struct {
	Registry   *connections.Registry
	Ledger     *ledger.Ledger
	Supervisor *stream.Supervisor
	Prompts    *prompts.Catalog
	Store      *persistence.Store // optional; /api/history is empty without it
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Logger     *slog.Logger

	// Audit receives auth and rate-limit denials. Optional.
	Audit *audit.Log

	// OtelMetrics mirrors cancel and rate-limit counts to the OTel meter.
	OtelMetrics *otelPkg.Metrics

	// AllowOrigins lists extra Origin patterns accepted on websocket
	// upgrades. Same-origin requests are always accepted.
	AllowOrigins []string

	Auth         config.AuthConfig
	RateLimit    config.RateLimitConfig
	CORS         config.CORSConfig
	MaxBodyBytes int64

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	auth      *AuthMiddleware
	rateLimit *RateLimitMiddleware
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.ScopeName)
	}
	auth := NewAuthMiddleware(cfg.Auth)
	auth.OnDeny = func(r *http.Request, reason string) {
		cfg.Audit.Record(audit.Deny, "auth", reason, clientHost(r.RemoteAddr), r.URL.Path)
	}
	return &Server{
		cfg:       cfg,
		logger:    cfg.Logger,
		auth:      auth,
		rateLimit: NewRateLimitMiddleware(cfg.RateLimit, func(r *http.Request) {
			cfg.Metrics.ObserveRateLimitReject()
			cfg.OtelMetrics.RateLimited(r.Context())
			cfg.Audit.Record(audit.Deny, "ratelimit", "bucket_empty", clientHost(r.RemoteAddr), r.URL.Path)
		}),
	}
}

// RateLimiter exposes the limiter so the daemon can run bucket eviction.
func (s *Server) RateLimiter() *RateLimitMiddleware { return s.rateLimit }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/process", s.handleProcess)
	mux.HandleFunc("POST /api/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/prompts", s.handlePrompts)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/{userId}", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /health", s.handleHealthz)
	mux.Handle("GET /metrics", s.cfg.Metrics.Handler())

	var h http.Handler = mux
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	h = s.rateLimit.Wrap(h)
	h = s.auth.Wrap(h)
	h = NewCORSMiddleware(s.cfg.CORS)(h)
	h = traceMiddleware(h)
	return h
}

// traceMiddleware adopts a caller's X-Trace-ID or mints one, echoes it on the
// response and stores it in the request context for log correlation.
func traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Trace-ID"))
		if id == "" || len(id) > 64 {
			id = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-ID", id)
		next.ServeHTTP(w, r.WithContext(shared.WithTraceID(r.Context(), id)))
	})
}

// UserFromRequest resolves the caller: the authenticated key's user, then
// the X-User-ID header, the user_id query parameter, the /ws/{userId} path
// segment, and finally shared.DefaultUserID.
func UserFromRequest(r *http.Request) string {
	if entry := KeyEntryFromContext(r.Context()); entry != nil {
		if entry.User != "" {
			return entry.User
		}
		if entry.Name != "" {
			return entry.Name
		}
	}
	for _, v := range []string{
		r.Header.Get("X-User-ID"),
		r.URL.Query().Get("user_id"),
		r.PathValue("userId"),
	} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return shared.DefaultUserID
}

type processRequest struct {
	Text         string `json:"text"`
	ButtonNumber int    `json:"buttonNumber"`
	RoleNumber   int    `json:"roleNumber"`
}

type processResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"requestId"`
	Message   string `json:"message"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx, span := otelPkg.StartServerSpan(r.Context(), s.cfg.Tracer, "http.process")
	defer span.End()
	user := UserFromRequest(r)
	span.SetAttributes(otelPkg.AttrUserID.String(user))

	var req processRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.cfg.Registry.HasConnection(user) {
		writeError(w, http.StatusConflict, "No WebSocket connection")
		return
	}
	sel, err := s.cfg.Prompts.ByNumbers(req.ButtonNumber, req.RoleNumber)
	if err != nil {
		if errors.Is(err, prompts.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	requestID := shared.NewRequestID()
	span.SetAttributes(otelPkg.AttrRequestID.String(requestID))
	tok := s.cfg.Ledger.Register(user, requestID)
	err = s.cfg.Supervisor.Spawn(stream.Job{
		UserID:    user,
		RequestID: requestID,
		Text:      req.Text,
		ButtonID:  sel.ButtonID,
		RoleID:    sel.RoleID,
		Template:  sel.Template,
		Token:     tok,
		TraceID:   shared.TraceID(ctx),
	})
	if err != nil {
		s.cfg.Ledger.Complete(user, requestID)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	s.logger.InfoContext(ctx, "processing started",
		"user_id", user, "request_id", requestID, "button", sel.ButtonID, "role", sel.RoleID)
	writeJSON(w, http.StatusOK, processResponse{
		Status:    "ok",
		RequestID: requestID,
		Message:   "Processing started",
	})
}

type cancelRequest struct {
	RequestID string `json:"requestId"`
	UserID    string `json:"userId,omitempty"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "requestId is required")
		return
	}
	user := UserFromRequest(r)
	if req.UserID != "" && KeyEntryFromContext(r.Context()) == nil {
		user = req.UserID
	}

	matched := s.cfg.Ledger.Cancel(user, req.RequestID)
	s.cfg.Metrics.ObserveCancel(matched)
	s.cfg.OtelMetrics.CancelRequested(r.Context(), matched)
	if !matched {
		writeError(w, http.StatusNotFound, "Request "+req.RequestID+" not found for user "+user)
		return
	}
	s.logger.Info("cancel requested", "user_id", user, "request_id", req.RequestID, "via", "http")
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type clientMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user := UserFromRequest(r)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("ws: accept failed", "user_id", user, "error", err)
		return
	}
	ch := connections.NewWSChannel(conn)
	s.cfg.Registry.Connect(r.Context(), user, ch)
	defer func() {
		s.cfg.Registry.Disconnect(user, ch)
		_ = ch.Close("bye")
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			s.logger.Debug("ws: read ended", "user_id", user, "error", err)
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type != "cancel" || msg.RequestID == "" {
			continue
		}
		matched := s.cfg.Ledger.Cancel(user, msg.RequestID)
		s.cfg.Metrics.ObserveCancel(matched)
		s.cfg.OtelMetrics.CancelRequested(r.Context(), matched)
		s.logger.Info("cancel requested", "user_id", user, "request_id", msg.RequestID, "via", "ws", "matched", matched)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status":          "ok",
		"connections":     s.cfg.Registry.Count(),
		"active_requests": s.cfg.Ledger.Len(),
		"in_flight":       s.cfg.Supervisor.InFlight(),
	}
	if s.cfg.Prompts != nil {
		payload["prompts_version"] = s.cfg.Prompts.Version()
	}
	if s.cfg.ConfigFingerprint != "" {
		payload["config_fingerprint"] = s.cfg.ConfigFingerprint
	}
	writeJSON(w, http.StatusOK, payload)
}

type catalogEntry struct {
	Number int    `json:"number"`
	ID     string `json:"id"`
	Name   string `json:"name"`
}

func (s *Server) handlePrompts(w http.ResponseWriter, _ *http.Request) {
	buttons := s.cfg.Prompts.ListButtons()
	roles := s.cfg.Prompts.ListRoles()
	out := struct {
		Version string         `json:"version"`
		Buttons []catalogEntry `json:"buttons"`
		Roles   []catalogEntry `json:"roles"`
	}{
		Version: s.cfg.Prompts.Version(),
		Buttons: make([]catalogEntry, 0, len(buttons)),
		Roles:   make([]catalogEntry, 0, len(roles)),
	}
	for _, b := range buttons {
		out.Buttons = append(out.Buttons, catalogEntry{Number: b.Number, ID: b.ID, Name: b.Name})
	}
	for _, r := range roles {
		out.Roles = append(out.Roles, catalogEntry{Number: r.Number, ID: r.ID, Name: r.Name})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	user := UserFromRequest(r)
	runs := []persistence.Run{}
	if s.cfg.Store != nil {
		got, err := s.cfg.Store.RecentRuns(r.Context(), user, r.URL.Query().Get("outcome"), limit)
		if err != nil {
			s.logger.Error("history query failed", "user_id", user, "error", err)
			writeError(w, http.StatusInternalServerError, "history unavailable")
			return
		}
		if got != nil {
			runs = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": user, "runs": runs})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return errors.New("request body too large")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
