package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/escrow/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/escrow/internal/health"
	"github.com/vladislavdragonenkov/escrow/internal/storage/memory"
	"github.com/vladislavdragonenkov/escrow/internal/storage/postgres"
)

// runtimeDependencies — хранилища, выбранные по StorageDriver.
type runtimeDependencies struct {
	ledger          domain.LedgerStore
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	resolver        domain.IdentityResolver
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

func (d runtimeDependencies) close(logger *log.Entry) {
	if d.closeFn == nil {
		return
	}
	if err := d.closeFn(); err != nil {
		logger.WithError(err).Warn("failed to close storage")
	}
}

// initRuntimeDependencies создаёт хранилища для выбранного драйвера.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		store := memory.NewLedgerStore()
		logger.WithField("identities", len(cfg.Identities)).Info("using in-memory ledger store")
		return runtimeDependencies{
			ledger:          store,
			outboxRepo:      store.Outbox(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			resolver:        memory.NewIdentityResolver(cfg.Identities),
			storageChecker:  healthcheck.NewLedgerChecker(store),
		}, nil

	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return runtimeDependencies{}, errors.New("postgres dsn is required for postgres storage driver")
		}

		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithMaxOpenConns(cfg.PostgresMaxOpenConns))
		if err != nil {
			return runtimeDependencies{}, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return runtimeDependencies{}, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("postgres schema is up to date")
		}

		resolver := postgres.NewIdentityResolver(store)
		for subject, id := range cfg.Identities {
			if err := resolver.Register(ctx, subject, id); err != nil {
				_ = store.Close()
				return runtimeDependencies{}, fmt.Errorf("register identity %q: %w", subject, err)
			}
		}

		logger.Info("using postgres ledger store")
		return runtimeDependencies{
			ledger:          postgres.NewLedgerStore(store),
			outboxRepo:      postgres.NewOutboxRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			resolver:        resolver,
			storageChecker:  healthcheck.NewLedgerChecker(store),
			closeFn:         store.Close,
		}, nil

	default:
		return runtimeDependencies{}, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}
