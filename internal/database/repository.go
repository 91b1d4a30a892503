package database

import (
	"context"

	"github.com/flowpbx/voicerelay/internal/database/models"
)

// ProjectConfigRepository manages project configurations.
type ProjectConfigRepository interface {
	// GetByID returns nil, nil when no project has the id.
	GetByID(ctx context.Context, id int64) (*models.ProjectConfig, error)
	Upsert(ctx context.Context, project *models.ProjectConfig) error
	List(ctx context.Context) ([]models.ProjectConfig, error)
	Delete(ctx context.Context, id int64) error
}
