package app

import (
	"context"
	"fmt"
	"log/slog"

	"review-orchestrator/internal/config"
	"review-orchestrator/internal/store"
	"review-orchestrator/internal/store/memory"
	"review-orchestrator/internal/store/mongo"
	"review-orchestrator/internal/store/postgres"
)

// Stores is the persistence backend selected by STORE_DRIVER. One backend
// serves both the job store and the inbox.
type Stores struct {
	Jobs    store.JobStore
	Inbox   store.InboxStore
	migrate func(ctx context.Context) error
	close   func(ctx context.Context) error
}

// Migrate brings the backend schema up to date.
func (s Stores) Migrate(ctx context.Context) error {
	if s.migrate == nil {
		return nil
	}
	return s.migrate(ctx)
}

func (s Stores) Close(ctx context.Context) error {
	if s.close == nil {
		return nil
	}
	return s.close(ctx)
}

// MemoryStores backs both stores with one in-process store.
func MemoryStores(st *memory.Store) Stores {
	return Stores{Jobs: st, Inbox: st, migrate: st.Migrate}
}

// OpenStores connects to the configured backend.
func OpenStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (Stores, error) {
	switch cfg.StoreDriver {
	case "postgres":
		st, err := postgres.New(ctx, cfg.PostgresDSN, cfg.InboxClaimTTL, logger)
		if err != nil {
			return Stores{}, err
		}
		return Stores{
			Jobs:    st,
			Inbox:   st,
			migrate: st.RunMigrations,
			close:   func(context.Context) error { st.Close(); return nil },
		}, nil
	case "mongo":
		st, err := mongo.Connect(ctx, cfg.MongoURI, cfg.MongoDB, cfg.InboxClaimTTL, logger)
		if err != nil {
			return Stores{}, err
		}
		return Stores{Jobs: st, Inbox: st, migrate: st.Migrate, close: st.Close}, nil
	case "memory":
		logger.Warn("using in-memory store; state is lost on restart")
		return MemoryStores(memory.New(memory.WithClaimTTL(cfg.InboxClaimTTL))), nil
	default:
		return Stores{}, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
}
