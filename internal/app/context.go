package app

import (
	"database/sql"
	"fmt"

	"counselgraph/internal/config"
	"counselgraph/internal/db"
	"counselgraph/internal/engine"
	"counselgraph/internal/migrate"
)

// Env bundles an opened, migrated workspace: the primary store, the loaded
// config, and an engine wired over both.
type Env struct {
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

// Open prepares the workspace for use. The database is created and migrated
// if missing; a missing config file falls back to defaults.
func Open(workspace string) (Env, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return Env{}, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return Env{}, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return Env{}, fmt.Errorf("migrate: %w", err)
	}
	return Env{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg),
	}, nil
}

func (e Env) Close() error {
	if e.DB == nil {
		return nil
	}
	return e.DB.Close()
}
