package app

import (
	"database/sql"
	"fmt"
	"os"

	"threadline/internal/config"
	"threadline/internal/db"
	"threadline/internal/gate"
	"threadline/internal/ledger"
	"threadline/internal/migrate"
	"threadline/internal/orchestrator"
	"threadline/internal/tracker"
)

// Context bundles everything a command needs: the open database, the loaded
// config, and the core components wired to both.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Ledger    ledger.Ledger
	Gate      gate.Gate
	Tracker   tracker.Tracker
	Orch      *orchestrator.Orchestrator
}

// Open prepares the workspace: database opened, migrations applied, config
// loaded (seeded with defaults on first run). identityOverride wins over the
// configured identity when set.
func Open(workspace, identityOverride string) (*Context, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if cfg == nil {
		identity := identityOverride
		if identity == "" {
			identity = "local-identity"
		}
		if err := SeedConfig(workspace, identity); err != nil {
			conn.Close()
			return nil, err
		}
		cfg = config.Default(identity)
	}
	if identityOverride != "" {
		cfg.Identity.ID = identityOverride
	}
	appCtx := &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Ledger:    ledger.New(conn, cfg),
		Gate:      gate.New(conn, cfg),
		Tracker:   tracker.New(conn, cfg),
		Orch:      orchestrator.New(cfg),
	}
	return appCtx, nil
}

// SeedConfig writes the default config file unless one already exists.
func SeedConfig(workspace, identityID string) error {
	path := config.Path(workspace)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(config.GenerateDefault(identityID)), 0o644)
}

func (c *Context) Close() error {
	return c.DB.Close()
}
