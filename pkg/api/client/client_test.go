package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCreateAndListEnvironments(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/environments":
			var in CreateEnvironmentInput
			_ = json.NewDecoder(r.Body).Decode(&in)
			gotBody = in.Name + "/" + in.Kind + "/" + in.Env["A"]
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(Environment{ID: "env-1", Name: in.Name, Status: "stopped", HostPort: 4000})
		case r.Method == http.MethodGet && r.URL.Path == "/api/environments":
			_ = json.NewEncoder(w).Encode(map[string]any{"environments": []Environment{{ID: "env-1"}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cli, err := New(srv.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	env, err := cli.CreateEnvironment(context.Background(), "tok", CreateEnvironmentInput{Name: "web", Kind: "nodejs", Env: map[string]string{"A": "1"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if env.ID != "env-1" || env.HostPort != 4000 {
		t.Fatalf("unexpected environment: %+v", env)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if gotBody != "web/nodejs/1" {
		t.Fatalf("unexpected request body %q", gotBody)
	}
	envs, err := cli.ListEnvironments(context.Background(), "tok")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(envs) != 1 {
		t.Fatalf("expected one environment, got %d", len(envs))
	}
}

func TestAPIErrorCarriesReasonAndHint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/environments/env%2F1/start" && r.URL.RawPath != "/api/environments/env%2F1/start" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"conflict","message":"environment is already running","hint":"stop it first"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.StartEnvironment(context.Background(), "tok", "env/1")
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Code != "conflict" || apiErr.Hint != "stop it first" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestLogsQueryAndTerminalURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tail") != "50" {
			t.Errorf("expected tail=50, got %q", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"lines": []string{"a", "b"}})
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	lines, err := cli.EnvironmentLogs(context.Background(), "tok", "env-1", 50)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %v", lines)
	}

	secure, _ := New("https://api.example.com/")
	if got := secure.TerminalURL(); got != "wss://api.example.com/ws/terminal" {
		t.Fatalf("unexpected terminal url %q", got)
	}
	plain, _ := New("localhost:3001")
	if got := plain.TerminalURL(); got != "ws://localhost:3001/ws/terminal" {
		t.Fatalf("unexpected terminal url %q", got)
	}
}
