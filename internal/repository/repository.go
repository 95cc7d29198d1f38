package repository

import (
	"context"

	"github.com/Eliobros/mozhost-mz/internal/domain"
)

// UserRepository reads tenant accounts. Account management lives elsewhere;
// UpsertUser exists for operator bootstrapping.
type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	UpsertUser(ctx context.Context, user *domain.User) error
}

// EnvironmentRepository persists environment records.
type EnvironmentRepository interface {
	CreateEnvironment(ctx context.Context, env *domain.Environment) error
	GetEnvironmentByID(ctx context.Context, id string) (*domain.Environment, error)
	ListEnvironmentsByOwner(ctx context.Context, ownerID string) ([]domain.Environment, error)
	ListEnvironmentsByStatus(ctx context.Context, status domain.Status) ([]domain.Environment, error)
	CountEnvironmentsByOwner(ctx context.Context, ownerID string) (int, error)
	FindEnvironmentByOwnerAndName(ctx context.Context, ownerID, name string) (*domain.Environment, error)
	FindEnvironmentByDomain(ctx context.Context, domainName string) (*domain.Environment, error)
	FindEnvironmentByPort(ctx context.Context, port int) (*domain.Environment, error)
	// FindRunningByUsernameAndName joins through users to match an owner display name.
	FindRunningByUsernameAndName(ctx context.Context, username, name string) (*domain.Environment, error)
	ListRunningByName(ctx context.Context, name string) ([]domain.Environment, error)
	ListAssignedPorts(ctx context.Context, min, max int) ([]int, error)
	UpdateEnvironment(ctx context.Context, env *domain.Environment) error
	DeleteEnvironment(ctx context.Context, id string) error
}
