// Package app wires the workspace pieces together for the CLI: database,
// migrations, config file, engine, and the tool dispatcher.
package app

import (
	"database/sql"
	"fmt"

	"vigil/internal/config"
	"vigil/internal/db"
	"vigil/internal/engine"
	"vigil/internal/migrate"
	"vigil/internal/tools"
)

// Context is everything a command needs to operate on a workspace.
type Context struct {
	DB         *sql.DB
	Config     *config.Config
	Engine     engine.Engine
	Dispatcher *tools.Dispatcher
}

// Open prepares a workspace: ensures the data directory, opens the
// database, applies pending migrations, and loads vigil.yml (falling
// back to defaults when the file is absent).
func Open(workspace string) (*Context, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("load config: %w", err)
	}
	eng := engine.New(conn, cfg)
	return &Context{
		DB:         conn,
		Config:     cfg,
		Engine:     eng,
		Dispatcher: tools.NewDispatcher(conn, eng.Repo, eng.Audit, cfg),
	}, nil
}

// Close releases the workspace resources.
func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
