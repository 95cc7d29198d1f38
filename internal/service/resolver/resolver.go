// Package resolver maps inbound hostnames and path tokens to running environments.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/Eliobros/mozhost-mz/internal/apperr"
	"github.com/Eliobros/mozhost-mz/internal/domain"
	"github.com/Eliobros/mozhost-mz/internal/repository"
)

// Store is the subset of the registry the resolver reads.
type Store interface {
	FindEnvironmentByDomain(ctx context.Context, domainName string) (*domain.Environment, error)
	FindRunningByUsernameAndName(ctx context.Context, username, name string) (*domain.Environment, error)
	ListRunningByName(ctx context.Context, name string) ([]domain.Environment, error)
}

// Resolver applies the routing rules in order: exact domain, owner-name split,
// then bare name.
type Resolver struct {
	store  Store
	suffix string
}

// New returns a resolver for hostnames under domainSuffix.
func New(store Store, domainSuffix string) *Resolver {
	return &Resolver{store: store, suffix: strings.Trim(strings.ToLower(domainSuffix), ".")}
}

// Suffix returns the normalised routing domain suffix.
func (r *Resolver) Suffix() string {
	return r.suffix
}

// MatchesHost reports whether host sits under the routing domain suffix.
func (r *Resolver) MatchesHost(host string) bool {
	if r.suffix == "" {
		return false
	}
	return strings.HasSuffix(normalize(host), "."+r.suffix)
}

// Resolve returns the running environment addressed by token.
func (r *Resolver) Resolve(ctx context.Context, token string) (*domain.Environment, error) {
	const op = "resolver.resolve"

	host := normalize(token)
	if host == "" {
		return nil, apperr.NotFound(op, "empty routing token")
	}
	fqdn, label := r.split(host)

	env, err := r.byDomain(ctx, fqdn)
	if err != nil {
		return nil, err
	}
	if env == nil && label != "" {
		if env, err = r.byOwnerAndName(ctx, label); err != nil {
			return nil, err
		}
	}
	if env == nil && label != "" {
		if env, err = r.byName(ctx, label); err != nil {
			return nil, err
		}
	}
	if env == nil {
		return nil, apperr.NotFound(op, fmt.Sprintf("no running environment for %q", host)).
			WithHint("check the environment name and make sure it is started")
	}
	if env.HostPort <= 0 {
		return nil, apperr.New(apperr.ErrUnavailable, op, fmt.Sprintf("environment %s has no port binding", env.Name)).
			WithHint("restart the environment")
	}
	return env, nil
}

// split returns the fully qualified name for rule 1 and the bare label for
// rules 2 and 3.
func (r *Resolver) split(host string) (string, string) {
	if !strings.Contains(host, ".") {
		if r.suffix == "" {
			return host, host
		}
		return host + "." + r.suffix, host
	}
	if r.suffix != "" && strings.HasSuffix(host, "."+r.suffix) {
		label := strings.TrimSuffix(host, "."+r.suffix)
		if strings.Contains(label, ".") {
			return host, ""
		}
		return host, label
	}
	return host, ""
}

func (r *Resolver) byDomain(ctx context.Context, fqdn string) (*domain.Environment, error) {
	env, err := r.store.FindEnvironmentByDomain(ctx, fqdn)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup domain %s: %w", fqdn, err)
	}
	if env.Status != domain.StatusRunning {
		return nil, nil
	}
	return env, nil
}

func (r *Resolver) byOwnerAndName(ctx context.Context, label string) (*domain.Environment, error) {
	for i := 0; i < len(label); i++ {
		if label[i] != '-' || i == 0 || i == len(label)-1 {
			continue
		}
		env, err := r.store.FindRunningByUsernameAndName(ctx, label[:i], label[i+1:])
		if err == nil {
			return env, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("lookup owner %s: %w", label[:i], err)
		}
	}
	return nil, nil
}

func (r *Resolver) byName(ctx context.Context, label string) (*domain.Environment, error) {
	envs, err := r.store.ListRunningByName(ctx, label)
	if err != nil {
		return nil, fmt.Errorf("lookup name %s: %w", label, err)
	}
	if len(envs) != 1 {
		return nil, nil
	}
	return &envs[0], nil
}

func normalize(token string) string {
	host := strings.ToLower(strings.TrimSpace(token))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}
