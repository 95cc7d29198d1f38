package httpx

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RateLimiter counts hits per key in fixed windows aligned to multiples of
// the window length, so every replica agrees on where a window starts.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) rateDecision
	Close()
}

type rateDecision struct {
	allowed   bool
	remaining int
	reset     time.Time
}

// ratePolicy bounds how often one subject may hit a class of routes.
type ratePolicy struct {
	name   string
	limit  int
	window time.Duration
}

var (
	environmentReads  = ratePolicy{name: "environments-read", limit: 120, window: time.Minute}
	environmentWrites = ratePolicy{name: "environments-write", limit: 30, window: time.Minute}
	terminalAttaches  = ratePolicy{name: "terminal-attach", limit: 30, window: 30 * time.Second}
)

// environmentPolicy meters lifecycle mutations separately from reads since
// every mutation drives the container engine.
func environmentPolicy(req *http.Request) ratePolicy {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		return environmentReads
	default:
		return environmentWrites
	}
}

func windowBounds(now time.Time, window time.Duration) (time.Time, time.Time) {
	start := now.Truncate(window)
	return start, start.Add(window)
}

func decide(count, limit int, reset time.Time) rateDecision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return rateDecision{allowed: count <= limit, remaining: remaining, reset: reset}
}

// ownerLimited meters an authenticated route per owner.
func (r *Router) ownerLimited(policyFor func(*http.Request) ratePolicy, next ownerHandler) ownerHandler {
	return func(w http.ResponseWriter, req *http.Request, c caller) {
		if !r.admit(w, req, policyFor(req), "owner", c.OwnerID) {
			return
		}
		next(w, req, c)
	}
}

// ipLimited meters an unauthenticated route per client address.
func (r *Router) ipLimited(policy ratePolicy, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.admit(w, req, policy, "ip", clientIP(req)) {
			return
		}
		next(w, req)
	}
}

func (r *Router) admit(w http.ResponseWriter, req *http.Request, policy ratePolicy, kind, subject string) bool {
	if r.limiter == nil || policy.limit <= 0 {
		return true
	}
	if subject == "" {
		subject = "unknown"
	}
	key := policy.name + ":" + kind + ":" + subject
	decision := r.limiter.Allow(req.Context(), key, policy.limit, policy.window)

	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(policy.limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(decision.remaining))
	if !decision.reset.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.reset.Unix(), 10))
	}
	if decision.allowed {
		return true
	}
	if wait := time.Until(decision.reset); wait > 0 {
		headers.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
	r.recordRateLimitHit(policy.name, kind)
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	return false
}

func clientIP(req *http.Request) string {
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}
