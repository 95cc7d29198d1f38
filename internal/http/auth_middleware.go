package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Eliobros/mozhost-mz/internal/apperr"
)

// caller is the authenticated owner behind a management request.
type caller struct {
	OwnerID  string
	Username string
}

type callerKey struct{}

// ownerHandler serves a request on behalf of an authenticated owner.
type ownerHandler func(w http.ResponseWriter, req *http.Request, c caller)

// contextSetter lets audit see values attached further down the chain.
type contextSetter interface {
	SetContext(context.Context)
}

var errMissingToken = errors.New("missing bearer token")

// authenticated resolves the caller from the Authorization header and hands
// it to next. Requests without a valid token never reach next.
func (r *Router) authenticated(next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		c, err := r.authenticate(req.Context(), req.Header.Get("Authorization"))
		if err != nil {
			r.authFailed(w, req, err)
			return
		}
		ctx := context.WithValue(req.Context(), callerKey{}, c)
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx), c)
	}
}

func (r *Router) authenticate(ctx context.Context, header string) (caller, error) {
	token, err := bearerToken(header)
	if err != nil {
		return caller{}, apperr.Wrap(apperr.ErrUnauthorized, "authenticate", err, "authentication required")
	}
	identity, err := r.auth.Authorize(ctx, token)
	if err != nil {
		return caller{}, err
	}
	return caller{OwnerID: identity.UserID, Username: identity.Username}, nil
}

func (r *Router) authFailed(w http.ResponseWriter, req *http.Request, err error) {
	switch {
	case errors.Is(err, errMissingToken):
		writeError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, apperr.ErrUnauthorized):
		r.logger.Warn("token rejected", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusUnauthorized, "authentication failed")
	default:
		r.logger.Error("token validation errored", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "authentication unavailable")
	}
}

func callerFromContext(ctx context.Context) (caller, bool) {
	c, ok := ctx.Value(callerKey{}).(caller)
	return c, ok
}

func bearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errMissingToken
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("authorization header is not a bearer token")
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", errors.New("malformed bearer token")
	}
	return token, nil
}

// upgradeToken picks the credential a websocket client sent with the
// handshake. Browsers cannot set headers on upgrades, hence ?token=.
func upgradeToken(req *http.Request) string {
	if token, err := bearerToken(req.Header.Get("Authorization")); err == nil {
		return token
	}
	return strings.TrimSpace(req.URL.Query().Get("token"))
}
