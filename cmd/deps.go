package cmd

import (
	"context"
	"fmt"

	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/config"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/palette"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/store"
	"github.com/hellowydwyd/Actor-Dataset-Construct/internal/store/postgres"
)

// services bundles the shared backends every command wires up: the
// in-memory embedding store (loaded from its snapshot), the optional
// PostgreSQL repository behind it, and the per-title style palette.
type services struct {
	cfg    *config.Config
	store  *store.Store
	repo   *postgres.Repository
	pool   *postgres.Pool
	styles *palette.Manager
}

// openServices loads configuration and brings up the store. When
// DATABASE_URL is set the repository is connected, migrated, and used
// as the rebuild fallback for a damaged snapshot; without it the store
// runs file-snapshot only.
func openServices(ctx context.Context) (*services, error) {
	cfg := config.Load()

	st := store.New(store.Options{
		Dimension:      cfg.Tuning.Store.Dimension,
		CompactRatio:   cfg.Tuning.Store.CompactRatio,
		ScopeOverfetch: cfg.Tuning.Matching.ScopeOverfetch,
	})

	svc := &services{cfg: cfg, store: st}

	if cfg.Database.URL != "" {
		pool, err := postgres.NewPool(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		if err := pool.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		svc.pool = pool
		svc.repo = postgres.NewRepository(pool)
	}

	var fallback store.Rebuilder
	if svc.repo != nil {
		fallback = svc.repo
	}
	if err := st.Load(ctx, cfg.Store.SnapshotDir, fallback); err != nil {
		svc.Close()
		return nil, fmt.Errorf("loading index snapshot: %w", err)
	}

	styles, err := palette.Load(cfg.Store.PaletteFile)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("loading palette: %w", err)
	}
	svc.styles = styles

	return svc, nil
}

// persist writes the store snapshot back to disk.
func (s *services) persist() error {
	if err := s.store.Persist(s.cfg.Store.SnapshotDir); err != nil {
		return fmt.Errorf("persisting index snapshot: %w", err)
	}
	return nil
}

func (s *services) Close() {
	if s.pool != nil {
		_ = s.pool.Close()
	}
}
