package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Eliobros/mozhost-mz/internal/apperr"
	"github.com/Eliobros/mozhost-mz/internal/domain"
	"github.com/Eliobros/mozhost-mz/internal/repository"
	jwtpkg "github.com/Eliobros/mozhost-mz/pkg/jwt"
)

type stubUsers struct {
	users map[string]domain.User
	err   error
}

func (s *stubUsers) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	if u, ok := s.users[id]; ok {
		return &u, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubUsers) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return nil, repository.ErrNotFound
}

func (s *stubUsers) UpsertUser(ctx context.Context, user *domain.User) error { return nil }

func TestAuthorize(t *testing.T) {
	users := &stubUsers{users: map[string]domain.User{"u1": {ID: "u1", Username: "alice"}}}
	svc := New(users, "secret", slog.New(slog.NewTextHandler(io.Discard, nil)))

	token, err := jwtpkg.GenerateToken("u1", "alice", "secret", time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	id, err := svc.Authorize(context.Background(), token)
	if err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if id.UserID != "u1" || id.Username != "alice" {
		t.Fatalf("unexpected identity %+v", id)
	}
}

func TestAuthorizeRejects(t *testing.T) {
	users := &stubUsers{users: map[string]domain.User{"u1": {ID: "u1", Username: "alice"}}}
	svc := New(users, "secret", slog.New(slog.NewTextHandler(io.Discard, nil)))

	wrongSecret, _ := jwtpkg.GenerateToken("u1", "alice", "other", time.Hour)
	unknown, _ := jwtpkg.GenerateToken("ghost", "ghost", "secret", time.Hour)
	expired, _ := jwtpkg.GenerateToken("u1", "alice", "secret", -time.Minute)

	for name, token := range map[string]string{"empty": "", "garbage": "abc", "wrong secret": wrongSecret, "unknown user": unknown, "expired": expired} {
		if _, err := svc.Authorize(context.Background(), token); !errors.Is(err, apperr.ErrUnauthorized) {
			t.Fatalf("%s: expected unauthorized, got %v", name, err)
		}
	}

	users.err = errors.New("db down")
	valid, _ := jwtpkg.GenerateToken("u1", "alice", "secret", time.Hour)
	if _, err := svc.Authorize(context.Background(), valid); err == nil || errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected store error, got %v", err)
	}
}
