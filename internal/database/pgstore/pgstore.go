// Package pgstore is the PostgreSQL project store, used when a database URL
// is configured.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowpbx/voicerelay/internal/database"
	"github.com/flowpbx/voicerelay/internal/database/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements database.ProjectConfigRepository using PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ database.ProjectConfigRepository = (*Store)(nil)

// New opens a PostgreSQL connection and runs pending migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := database.Migrate(db, migrationsFS, database.DialectPostgres); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("postgresql project store opened")
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetByID returns a project by id, or nil when none exists.
func (s *Store) GetByID(ctx context.Context, id int64) (*models.ProjectConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_name, project_prompts, project_custom_json_settings, created_at, updated_at
		 FROM project_configs WHERE id = $1`, id)

	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying project %d: %w", id, err)
	}
	return p, nil
}

// Upsert inserts the project or replaces the stored one with the same id.
func (s *Store) Upsert(ctx context.Context, p *models.ProjectConfig) error {
	var custom any
	if len(p.CustomSettings) > 0 {
		if !json.Valid(p.CustomSettings) {
			return fmt.Errorf("project %d: custom settings are not valid json", p.ID)
		}
		custom = string(p.CustomSettings)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_configs (id, project_name, project_prompts, project_custom_json_settings)
		 VALUES ($1, $2, $3, $4::jsonb)
		 ON CONFLICT (id) DO UPDATE SET
		   project_name = EXCLUDED.project_name,
		   project_prompts = EXCLUDED.project_prompts,
		   project_custom_json_settings = EXCLUDED.project_custom_json_settings,
		   updated_at = NOW()`,
		p.ID, p.Name, p.Prompts, custom,
	)
	if err != nil {
		return fmt.Errorf("upserting project %d: %w", p.ID, err)
	}
	return nil
}

// List returns all projects ordered by id.
func (s *Store) List(ctx context.Context) ([]models.ProjectConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_name, project_prompts, project_custom_json_settings, created_at, updated_at
		 FROM project_configs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying projects: %w", err)
	}
	defer rows.Close()

	var projects []models.ProjectConfig
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning project row: %w", err)
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// Delete removes a project.
func (s *Store) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM project_configs WHERE id = $1", id); err != nil {
		return fmt.Errorf("deleting project %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.ProjectConfig, error) {
	var p models.ProjectConfig
	var custom []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Prompts, &custom, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if len(custom) > 0 {
		p.CustomSettings = json.RawMessage(custom)
	}
	return &p, nil
}
