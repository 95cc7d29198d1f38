package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Eliobros/mozhost-mz/internal/app/migrate"
	"github.com/Eliobros/mozhost-mz/internal/domain"
	"github.com/Eliobros/mozhost-mz/internal/repository"
	"github.com/Eliobros/mozhost-mz/internal/repository/postgres"
	"github.com/Eliobros/mozhost-mz/internal/repository/sqlite"
	"github.com/Eliobros/mozhost-mz/pkg/config"
	"github.com/Eliobros/mozhost-mz/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down|seed-user)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	userID := flag.String("user-id", "", "id of the user to seed (generated when empty)")
	username := flag.String("username", "", "username of the user to seed")
	maxEnvs := flag.Int("max-environments", 0, "environment quota for the seeded user (0 uses the server default)")
	flag.Parse()

	cfg := config.LoadAPIConfig()
	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	runner, err := migrate.NewFromDSN(cfg.DatabaseDriver, cfg.DatabaseURL, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	switch *command {
	case "up":
		if err := runner.Ensure(ctx); err != nil {
			log.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
	case "status":
		if err := runner.Status(ctx); err != nil {
			log.Error("failed to fetch migration status", "error", err)
			os.Exit(1)
		}
	case "down":
		if err := runner.Down(ctx, *target); err != nil {
			log.Error("failed to roll back migrations", "error", err)
			os.Exit(1)
		}
	case "seed-user":
		if err := runner.Ensure(ctx); err != nil {
			log.Error("failed to apply migrations", "error", err)
			os.Exit(1)
		}
		user, err := seedUser(ctx, cfg, *userID, *username, *maxEnvs)
		if err != nil {
			log.Error("failed to seed user", "error", err)
			os.Exit(1)
		}
		log.Info("user seeded", "user_id", user.ID, "username", user.Username, "max_environments", user.MaxEnvironments)
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command)
}

func seedUser(ctx context.Context, cfg config.APIConfig, id, username string, maxEnvironments int) (*domain.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, errors.New("-username is required")
	}
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	users, closeFn, err := openUsers(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	user := &domain.User{ID: id, Username: username, MaxEnvironments: maxEnvironments, CreatedAt: time.Now().UTC()}
	if err := users.UpsertUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func openUsers(ctx context.Context, cfg config.APIConfig) (repository.UserRepository, func(), error) {
	switch cfg.DatabaseDriver {
	case migrate.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		return postgres.New(pool), pool.Close, nil
	case migrate.DriverSQLite:
		db, err := sqlite.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return sqlite.New(db), func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}
