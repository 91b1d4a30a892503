package models

import (
	"encoding/json"
	"time"
)

// ProjectConfig is a stored project: the prompt the agent speaks with and
// free-form JSON settings. Reserved ids hold service-wide settings.
type ProjectConfig struct {
	ID             int64
	Name           string
	Prompts        string
	CustomSettings json.RawMessage // nil when unset
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
