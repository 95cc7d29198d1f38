// Package proxy forwards inbound HTTP traffic to running environments.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Eliobros/mozhost-mz/internal/apperr"
	"github.com/Eliobros/mozhost-mz/internal/domain"
)

const (
	// PathPrefix is the path-mode entry point: /proxy/{token}/...
	PathPrefix = "/proxy/"
	// HostInfoPath serves diagnostics in host mode.
	HostInfoPath = "/_mozhost/info"

	pathInfoSegment           = "_info"
	statusClientClosedRequest = 499
)

// Resolver locates the environment a request is addressed to.
type Resolver interface {
	Resolve(ctx context.Context, token string) (*domain.Environment, error)
	MatchesHost(host string) bool
}

// Config tunes the proxy.
type Config struct {
	TargetHost string
	Transport  http.RoundTripper
}

// Proxy routes requests to environment ports by path token or Host header.
type Proxy struct {
	resolver  Resolver
	target    string
	transport http.RoundTripper
	logger    *slog.Logger

	metricsOnce   sync.Once
	requestsTotal *prometheus.CounterVec
}

// New returns a proxy that dials environments on cfg.TargetHost.
func New(resolver Resolver, cfg Config, logger *slog.Logger) *Proxy {
	if cfg.TargetHost == "" {
		cfg.TargetHost = "localhost"
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Proxy{
		resolver:  resolver,
		target:    cfg.TargetHost,
		transport: cfg.Transport,
		logger:    logger.With("component", "proxy"),
	}
	p.initMetrics()
	return p
}

// MatchesHost reports whether requests for host should be proxied whole.
func (p *Proxy) MatchesHost(host string) bool {
	return p.resolver.MatchesHost(host)
}

// ServePath handles /proxy/{token}/... requests, stripping the routing prefix.
func (p *Proxy) ServePath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, PathPrefix)
	token, remainder, _ := strings.Cut(rest, "/")
	if token == "" {
		p.record("not_found")
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error":   "not_found",
			"message": "missing environment token",
			"hint":    "use /proxy/<owner>-<name>/",
		})
		return
	}
	env, ok := p.resolve(w, r, token)
	if !ok {
		return
	}
	if remainder == pathInfoSegment {
		p.record("info")
		writeJSON(w, http.StatusOK, infoPayload(env, p.target))
		return
	}
	p.forward(w, r, env, "/"+remainder)
}

// ServeHost handles requests whose Host names an environment.
func (p *Proxy) ServeHost(w http.ResponseWriter, r *http.Request) {
	env, ok := p.resolve(w, r, r.Host)
	if !ok {
		return
	}
	if r.URL.Path == HostInfoPath {
		p.record("info")
		writeJSON(w, http.StatusOK, infoPayload(env, p.target))
		return
	}
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	p.forward(w, r, env, path)
}

func (p *Proxy) resolve(w http.ResponseWriter, r *http.Request, token string) (*domain.Environment, bool) {
	env, err := p.resolver.Resolve(r.Context(), token)
	if err == nil {
		return env, true
	}
	status := apperr.HTTPStatus(err)
	body := map[string]any{
		"error":   apperr.Code(err),
		"message": apperr.Message(err),
	}
	if hint := apperr.Hint(err); hint != "" {
		body["hint"] = hint
	}
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		p.record("not_found")
		body["suggestions"] = []string{
			"check that the environment exists and is running",
			"address it as <owner>-<name> or by its full domain",
		}
	case errors.Is(err, apperr.ErrUnavailable):
		p.record("unavailable")
	default:
		p.record("error")
		p.logger.Error("resolve failed", "token", token, "error", err)
		body["message"] = "failed to resolve environment"
	}
	writeJSON(w, status, body)
	return nil, false
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, env *domain.Environment, path string) {
	target := &url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(p.target, strconv.Itoa(env.HostPort)),
	}
	rp := &httputil.ReverseProxy{
		Transport: p.transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = path
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Environment-Name", env.Name)
			pr.Out.Header.Set("X-Environment-Id", env.ID)
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Set("X-Served-By", "MozHost")
			resp.Header.Set("X-Environment", env.Name)
			p.record("forwarded")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, req *http.Request, err error) {
			if errors.Is(err, context.Canceled) || req.Context().Err() != nil {
				p.record("cancelled")
				w.WriteHeader(statusClientClosedRequest)
				return
			}
			p.record("bad_gateway")
			p.logger.Warn("upstream unreachable",
				"environment_id", env.ID,
				"environment", env.Name,
				"port", env.HostPort,
				"error", err,
			)
			writeJSON(w, http.StatusBadGateway, badGatewayPayload(env))
		},
	}
	rp.ServeHTTP(w, r)
}

func badGatewayPayload(env *domain.Environment) map[string]any {
	listen := "the configured port"
	if env.InternalPort > 0 {
		listen = fmt.Sprintf("port %d", env.InternalPort)
	}
	return map[string]any{
		"error":       "bad_gateway",
		"message":     fmt.Sprintf("could not reach environment %s", env.Name),
		"environment": env.Name,
		"port":        env.HostPort,
		"hints": []string{
			"the environment may still be starting, retry in a few seconds",
			fmt.Sprintf("make sure the application listens on %s inside the environment", listen),
		},
	}
}

func infoPayload(env *domain.Environment, targetHost string) map[string]any {
	return map[string]any{
		"id":            env.ID,
		"name":          env.Name,
		"kind":          env.Kind,
		"status":        env.Status,
		"port":          env.HostPort,
		"internal_port": env.InternalPort,
		"domain":        env.Domain,
		"target":        "http://" + net.JoinHostPort(targetHost, strconv.Itoa(env.HostPort)),
	}
}

func (p *Proxy) initMetrics() {
	p.metricsOnce.Do(func() {
		counter := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mozhost",
			Name:      "proxy_requests_total",
			Help:      "Proxied requests by outcome",
		}, []string{"outcome"})
		if err := prometheus.Register(counter); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					counter = existing
				}
			}
		}
		p.requestsTotal = counter
	})
}

func (p *Proxy) record(outcome string) {
	if p.requestsTotal == nil {
		return
	}
	p.requestsTotal.WithLabelValues(outcome).Inc()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
