package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Eliobros/mozhost-mz/internal/apperr"
	"github.com/Eliobros/mozhost-mz/internal/domain"
	"github.com/Eliobros/mozhost-mz/internal/service/auth"
	"github.com/Eliobros/mozhost-mz/internal/service/environment"
	"github.com/Eliobros/mozhost-mz/internal/service/proxy"
	"github.com/Eliobros/mozhost-mz/internal/service/terminal"
	"github.com/Eliobros/mozhost-mz/internal/ws"
)

// Authorizer validates bearer tokens.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (auth.Identity, error)
}

// EnvironmentService is the lifecycle surface behind /api/environments.
type EnvironmentService interface {
	Create(ctx context.Context, input environment.CreateInput) (*domain.Environment, error)
	Get(ctx context.Context, ownerID, id string) (*domain.Environment, error)
	List(ctx context.Context, ownerID string) ([]domain.Environment, error)
	Start(ctx context.Context, ownerID, id string) (*domain.Environment, error)
	Stop(ctx context.Context, ownerID, id string) (*domain.Environment, error)
	Restart(ctx context.Context, ownerID, id string) (*domain.Environment, error)
	Delete(ctx context.Context, ownerID, id string) error
	Logs(ctx context.Context, ownerID, id string, tail int) ([]string, error)
	Stats(ctx context.Context, ownerID, id string) (domain.Stats, error)
}

// TerminalServer runs the session protocol over an upgraded connection.
type TerminalServer interface {
	Serve(ctx context.Context, conn terminal.Conn, headerToken string)
}

// Deps groups the router's collaborators. Proxy, Terminal and the health
// probes are optional.
type Deps struct {
	Logger       *slog.Logger
	Auth         Authorizer
	Environments EnvironmentService
	Terminal     TerminalServer
	Proxy        *proxy.Proxy
	Limiter      RateLimiter
	DBHealth     func(context.Context) error
	EngineHealth func(context.Context) error
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	auth         Authorizer
	environments EnvironmentService
	terminal     TerminalServer
	proxy        *proxy.Proxy
	hostProxy    http.HandlerFunc
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	dbHealth     func(context.Context) error
	engineHealth func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

const (
	environmentsPrefix = "/api/environments/"
	terminalPath       = "/ws/terminal"

	healthCheckTimeout = 2 * time.Second
	keepAliveInterval  = 30 * time.Second
	maxBodyBytes       = 1 << 20
)

// NewRouter assembles routes with dependencies.
func NewRouter(deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:          http.NewServeMux(),
		logger:       logger.With("component", "http"),
		auth:         deps.Auth,
		environments: deps.Environments,
		terminal:     deps.Terminal,
		proxy:        deps.Proxy,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      deps.Limiter,
		dbHealth:     deps.DBHealth,
		engineHealth: deps.EngineHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP sends requests whose Host names an environment straight to the
// proxy and everything else to the management mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if r.hostProxy != nil && r.proxy.MatchesHost(req.Host) {
		r.hostProxy(w, req)
		return
	}
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.audit(r.handleHealthz))
	r.mux.HandleFunc("/api/environments", r.audit(r.authenticated(r.ownerLimited(environmentPolicy, r.handleEnvironments))))
	r.mux.HandleFunc(environmentsPrefix, r.audit(r.authenticated(r.ownerLimited(environmentPolicy, r.handleEnvironmentSubroutes))))
	if r.terminal != nil {
		r.mux.HandleFunc(terminalPath, r.audit(r.ipLimited(terminalAttaches, r.handleTerminalWS)))
	}
	if r.proxy != nil {
		r.mux.HandleFunc(proxy.PathPrefix, r.audit(r.proxy.ServePath))
		r.hostProxy = r.audit(r.proxy.ServeHost)
	}
}

func (r *Router) handleEnvironments(w http.ResponseWriter, req *http.Request, c caller) {
	switch req.Method {
	case http.MethodGet:
		envs, err := r.environments.List(req.Context(), c.OwnerID)
		if err != nil {
			r.serviceError(w, req, err)
			return
		}
		if envs == nil {
			envs = []domain.Environment{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"environments": envs})
	case http.MethodPost:
		var payload struct {
			Name string            `json:"name"`
			Kind string            `json:"kind"`
			Env  map[string]string `json:"env"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		env, err := r.environments.Create(req.Context(), environment.CreateInput{
			OwnerID: c.OwnerID,
			Name:    payload.Name,
			Kind:    payload.Kind,
			Env:     payload.Env,
		})
		if err != nil {
			r.serviceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusCreated, env)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleEnvironmentSubroutes(w http.ResponseWriter, req *http.Request, c caller) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, environmentsPrefix), "/")
	parts := strings.Split(trimmed, "/")
	envID := parts[0]
	if envID == "" || len(parts) > 2 {
		r.notFound(w)
		return
	}
	if len(parts) == 1 {
		r.handleEnvironment(w, req, c, envID)
		return
	}
	switch parts[1] {
	case "start", "stop", "restart":
		r.handleEnvironmentAction(w, req, c, envID, parts[1])
	case "logs":
		r.handleEnvironmentLogs(w, req, c, envID)
	case "stats":
		r.handleEnvironmentStats(w, req, c, envID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleEnvironment(w http.ResponseWriter, req *http.Request, c caller, envID string) {
	switch req.Method {
	case http.MethodGet:
		env, err := r.environments.Get(req.Context(), c.OwnerID, envID)
		if err != nil {
			r.serviceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, env)
	case http.MethodDelete:
		if err := r.environments.Delete(req.Context(), c.OwnerID, envID); err != nil {
			r.serviceError(w, req, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": envID})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleEnvironmentAction(w http.ResponseWriter, req *http.Request, c caller, envID, action string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var (
		env *domain.Environment
		err error
	)
	switch action {
	case "start":
		env, err = r.environments.Start(req.Context(), c.OwnerID, envID)
	case "stop":
		env, err = r.environments.Stop(req.Context(), c.OwnerID, envID)
	default:
		env, err = r.environments.Restart(req.Context(), c.OwnerID, envID)
	}
	if err != nil {
		r.serviceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (r *Router) handleEnvironmentLogs(w http.ResponseWriter, req *http.Request, c caller, envID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	tail := 0
	if raw := strings.TrimSpace(req.URL.Query().Get("tail")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "tail must be a non-negative integer")
			return
		}
		tail = parsed
	}
	lines, err := r.environments.Logs(req.Context(), c.OwnerID, envID, tail)
	if err != nil {
		r.serviceError(w, req, err)
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"environment_id": envID, "lines": lines})
}

func (r *Router) handleEnvironmentStats(w http.ResponseWriter, req *http.Request, c caller, envID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stats, err := r.environments.Stats(req.Context(), c.OwnerID, envID)
	if err != nil {
		r.serviceError(w, req, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleTerminalWS upgrades the connection and hands it to the session
// protocol. Authentication happens per attach, with the bearer header or
// ?token= as the fallback credential.
func (r *Router) handleTerminalWS(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	token := upgradeToken(req)
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	client.KeepAlive(keepAliveInterval)
	defer client.Close()
	r.terminal.Serve(req.Context(), client, token)
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	components := make(map[string]any)
	status := "ok"
	probe := func(name string, check func(context.Context) error) {
		if check == nil {
			return
		}
		if err := check(ctx); err != nil {
			status = "degraded"
			components[name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			return
		}
		components[name] = map[string]any{"status": "up"}
	}
	probe("database", r.dbHealth)
	probe("engine", r.engineHealth)

	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) serviceError(w http.ResponseWriter, req *http.Request, err error) {
	if apperr.HTTPStatus(err) >= http.StatusInternalServerError {
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
	}
	writeAppError(w, err)
}

func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		route := routeLabel(req.URL.Path)
		if r.proxy != nil && r.proxy.MatchesHost(req.Host) {
			route = "host-proxy"
		}
		r.recordRequestMetrics(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if c, ok := callerFromContext(ctx); ok {
			actor = "owner"
			fields = append(fields, "owner_id", c.OwnerID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
