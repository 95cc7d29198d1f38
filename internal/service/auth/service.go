package auth

import (
	"context"
	"errors"
	"strings"

	"log/slog"

	"github.com/Eliobros/mozhost-mz/internal/apperr"
	"github.com/Eliobros/mozhost-mz/internal/repository"
	jwtpkg "github.com/Eliobros/mozhost-mz/pkg/jwt"
)

// Identity is the authenticated caller behind a capability token.
type Identity struct {
	UserID   string
	Username string
}

// Service validates capability tokens issued by the platform's account system.
type Service struct {
	users  repository.UserRepository
	secret string
	logger *slog.Logger
}

// New constructs a Service.
func New(users repository.UserRepository, secret string, logger *slog.Logger) Service {
	return Service{users: users, secret: secret, logger: logger}
}

// Authorize parses token and confirms the user it names still exists.
func (s Service) Authorize(ctx context.Context, token string) (Identity, error) {
	const op = "auth.authorize"
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apperr.New(apperr.ErrUnauthorized, op, "missing token")
	}
	claims, err := jwtpkg.Parse(token, s.secret)
	if err != nil {
		return Identity{}, apperr.Wrap(apperr.ErrUnauthorized, op, err, "invalid token")
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Identity{}, apperr.New(apperr.ErrUnauthorized, op, "unknown user")
		}
		s.logger.Error("user lookup failed", "user_id", claims.UserID, "error", err)
		return Identity{}, err
	}
	return Identity{UserID: user.ID, Username: user.Username}, nil
}
