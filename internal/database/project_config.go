package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/flowpbx/voicerelay/internal/database/models"
)

// projectConfigRepo implements ProjectConfigRepository on SQLite.
type projectConfigRepo struct {
	db *DB
}

// NewProjectConfigRepository creates a ProjectConfigRepository.
func NewProjectConfigRepository(db *DB) ProjectConfigRepository {
	return &projectConfigRepo{db: db}
}

// GetByID returns a project by id.
func (r *projectConfigRepo) GetByID(ctx context.Context, id int64) (*models.ProjectConfig, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, project_name, project_prompts, project_custom_json_settings, created_at, updated_at
		 FROM project_configs WHERE id = ?`, id)

	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying project %d: %w", id, err)
	}
	return p, nil
}

// Upsert inserts the project or replaces the stored one with the same id.
func (r *projectConfigRepo) Upsert(ctx context.Context, p *models.ProjectConfig) error {
	if len(p.CustomSettings) > 0 && !json.Valid(p.CustomSettings) {
		return fmt.Errorf("project %d: custom settings are not valid json", p.ID)
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO project_configs (id, project_name, project_prompts, project_custom_json_settings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'), datetime('now'))
		 ON CONFLICT(id) DO UPDATE SET
		   project_name = excluded.project_name,
		   project_prompts = excluded.project_prompts,
		   project_custom_json_settings = excluded.project_custom_json_settings,
		   updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Prompts, nullableJSON(p.CustomSettings),
	)
	if err != nil {
		return fmt.Errorf("upserting project %d: %w", p.ID, err)
	}
	return nil
}

// List returns all projects ordered by id.
func (r *projectConfigRepo) List(ctx context.Context) ([]models.ProjectConfig, error) {
	rows, err := r.db.QueryContext(ctx,
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

// Delete removes a project. Deleting a missing project is not an error.
func (r *projectConfigRepo) Delete(ctx context.Context, id int64) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM project_configs WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting project %d: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*models.ProjectConfig, error) {
	var p models.ProjectConfig
	var custom sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &p.Prompts, &custom, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if custom.Valid && custom.String != "" {
		p.CustomSettings = json.RawMessage(custom.String)
	}
	return &p, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
