package ledger

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"webprotect/pkg/bus"
	"webprotect/pkg/db/migrations"
)

const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Run is one protection pass as recorded in the ledger.
type Run struct {
	ID          uuid.UUID      `db:"id" json:"id"`
	App         string         `db:"app" json:"app,omitempty"`
	TargetType  string         `db:"target_type" json:"target_type"`
	ToolVersion string         `db:"tool_version" json:"tool_version,omitempty"`
	Host        string         `db:"host" json:"host,omitempty"`
	Status      string         `db:"status" json:"status"`
	Error       string         `db:"error" json:"error,omitempty"`
	Assets      int            `db:"assets" json:"assets"`
	Meta        map[string]any `db:"meta" json:"meta,omitempty"`
	StartedAt   time.Time      `db:"started_at" json:"started_at"`
	FinishedAt  *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
}

// Event converts the run into its bus representation.
func (r *Run) Event() bus.RunEvent {
	at := r.StartedAt
	if r.FinishedAt != nil {
		at = *r.FinishedAt
	}
	return bus.RunEvent{
		RunID:      r.ID.String(),
		App:        r.App,
		TargetType: r.TargetType,
		Status:     r.Status,
		Error:      r.Error,
		Assets:     r.Assets,
		At:         at,
	}
}

func (r *Run) model() migrations.ProtectRun {
	return migrations.ProtectRun{
		ID:          r.ID,
		App:         r.App,
		TargetType:  r.TargetType,
		ToolVersion: r.ToolVersion,
		Host:        r.Host,
		Status:      r.Status,
		Error:       r.Error,
		Assets:      r.Assets,
		Meta:        datatypes.JSONMap(r.Meta),
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
}
