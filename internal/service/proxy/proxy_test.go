package proxy

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/Eliobros/mozhost-mz/internal/apperr"
	"github.com/Eliobros/mozhost-mz/internal/domain"
)

type stubResolver struct {
	envs map[string]*domain.Environment
	err  error
}

func (s *stubResolver) Resolve(ctx context.Context, token string) (*domain.Environment, error) {
	if s.err != nil {
		return nil, s.err
	}
	host := strings.ToLower(token)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".mozhost.test")
	if env, ok := s.envs[host]; ok {
		return env, nil
	}
	return nil, apperr.NotFound("resolve", "no running environment").WithHint("start it")
}

func (s *stubResolver) MatchesHost(host string) bool {
	return strings.HasSuffix(host, ".mozhost.test")
}

func backendPort(t *testing.T, srv *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func newEchoBackend(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"path":             r.URL.Path,
			"query":            r.URL.RawQuery,
			"environment_name": r.Header.Get("X-Environment-Name"),
			"environment_id":   r.Header.Get("X-Environment-Id"),
			"forwarded_host":   r.Header.Get("X-Forwarded-Host"),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestProxy(resolver Resolver) *Proxy {
	return New(resolver, Config{TargetHost: "127.0.0.1"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestServePathForwardsAndStripsPrefix(t *testing.T) {
	backend := newEchoBackend(t)
	env := &domain.Environment{ID: "env-b", Name: "foo", Status: domain.StatusRunning, HostPort: backendPort(t, backend)}
	p := newTestProxy(&stubResolver{envs: map[string]*domain.Environment{"bob-foo": env}})

	before := testutil.ToFloat64(p.requestsTotal.WithLabelValues("forwarded"))

	req := httptest.NewRequest(http.MethodGet, "http://api.local/proxy/bob-foo/api/items?limit=2", nil)
	rec := httptest.NewRecorder()
	p.ServePath(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "MozHost", rec.Header().Get("X-Served-By"))
	require.Equal(t, "foo", rec.Header().Get("X-Environment"))
	body := decode(t, rec)
	require.Equal(t, "/api/items", body["path"])
	require.Equal(t, "limit=2", body["query"])
	require.Equal(t, "foo", body["environment_name"])
	require.Equal(t, "env-b", body["environment_id"])
	require.Equal(t, "api.local", body["forwarded_host"])

	require.Equal(t, before+1, testutil.ToFloat64(p.requestsTotal.WithLabelValues("forwarded")))
}

func TestServePathEmptyPathBecomesRoot(t *testing.T) {
	backend := newEchoBackend(t)
	env := &domain.Environment{ID: "env-b", Name: "foo", Status: domain.StatusRunning, HostPort: backendPort(t, backend)}
	p := newTestProxy(&stubResolver{envs: map[string]*domain.Environment{"bob-foo": env}})

	for _, target := range []string{"/proxy/bob-foo", "/proxy/bob-foo/"} {
		rec := httptest.NewRecorder()
		p.ServePath(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "/", decode(t, rec)["path"], target)
	}
}

func TestServePathInfo(t *testing.T) {
	env := &domain.Environment{ID: "env-b", Name: "foo", Kind: "nodejs", Status: domain.StatusRunning, HostPort: 4002, InternalPort: 3000, Domain: "bob-foo.mozhost.test"}
	p := newTestProxy(&stubResolver{envs: map[string]*domain.Environment{"bob-foo": env}})

	rec := httptest.NewRecorder()
	p.ServePath(rec, httptest.NewRequest(http.MethodGet, "/proxy/bob-foo/_info", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "env-b", body["id"])
	require.Equal(t, "nodejs", body["kind"])
	require.Equal(t, "running", body["status"])
	require.EqualValues(t, 4002, body["port"])
	require.Equal(t, "bob-foo.mozhost.test", body["domain"])
}

func TestServeHostForwardsWholePath(t *testing.T) {
	backend := newEchoBackend(t)
	env := &domain.Environment{ID: "env-b", Name: "foo", Status: domain.StatusRunning, HostPort: backendPort(t, backend)}
	p := newTestProxy(&stubResolver{envs: map[string]*domain.Environment{"bob-foo": env}})
	require.True(t, p.MatchesHost("bob-foo.mozhost.test"))

	req := httptest.NewRequest(http.MethodGet, "http://bob-foo.mozhost.test/proxy/not-a-prefix", nil)
	rec := httptest.NewRecorder()
	p.ServeHost(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "/proxy/not-a-prefix", body["path"])
	require.Equal(t, "bob-foo.mozhost.test", body["forwarded_host"])

	rec = httptest.NewRecorder()
	p.ServeHost(rec, httptest.NewRequest(http.MethodGet, "http://bob-foo.mozhost.test"+HostInfoPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "env-b", decode(t, rec)["id"])
}

func TestResolveErrorsMapToStatus(t *testing.T) {
	p := newTestProxy(&stubResolver{envs: map[string]*domain.Environment{}})
	rec := httptest.NewRecorder()
	p.ServePath(rec, httptest.NewRequest(http.MethodGet, "/proxy/ghost/", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "not_found", body["error"])
	require.Equal(t, "start it", body["hint"])
	require.NotEmpty(t, body["suggestions"])

	rec = httptest.NewRecorder()
	p.ServePath(rec, httptest.NewRequest(http.MethodGet, "/proxy/", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	unavailable := newTestProxy(&stubResolver{err: apperr.New(apperr.ErrUnavailable, "resolve", "no binding")})
	rec = httptest.NewRecorder()
	unavailable.ServePath(rec, httptest.NewRequest(http.MethodGet, "/proxy/x/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "unavailable", decode(t, rec)["error"])
}

func TestBadGatewayWhenUpstreamDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	env := &domain.Environment{ID: "env-b", Name: "foo", Status: domain.StatusRunning, HostPort: port, InternalPort: 3000}
	p := newTestProxy(&stubResolver{envs: map[string]*domain.Environment{"bob-foo": env}})

	rec := httptest.NewRecorder()
	p.ServePath(rec, httptest.NewRequest(http.MethodGet, "/proxy/bob-foo/", nil))
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "bad_gateway", body["error"])
	require.Equal(t, "foo", body["environment"])
	require.EqualValues(t, port, body["port"])
	hints, ok := body["hints"].([]any)
	require.True(t, ok)
	require.Len(t, hints, 2)
	require.Contains(t, hints[1], "port 3000")
}

func TestCancelledRequestIsNotBadGateway(t *testing.T) {
	backend := newEchoBackend(t)
	env := &domain.Environment{ID: "env-b", Name: "foo", Status: domain.StatusRunning, HostPort: backendPort(t, backend)}
	p := newTestProxy(&stubResolver{envs: map[string]*domain.Environment{"bob-foo": env}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/proxy/bob-foo/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	p.ServePath(rec, req)
	require.Equal(t, statusClientClosedRequest, rec.Code)
}
