package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"webprotect/pkg/db"
	"webprotect/pkg/db/migrations"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Store persists runs. Writes go through gorm, listings through scany.
type Store struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

// NewStore creates a Store bound to the provided handles.
func NewStore(orm *gorm.DB, pool *pgxpool.Pool) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{orm: orm, pool: pool}, nil
}

// Start inserts run. A run that already exists is left untouched so that
// replayed start events are harmless.
func (s *Store) Start(ctx context.Context, run *Run) error {
	if run == nil || run.ID == uuid.Nil {
		return errors.New("run id is required")
	}
	if run.Status == "" {
		run.Status = StatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	model := run.model()
	err := s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Finish records the outcome of run.
func (s *Store) Finish(ctx context.Context, run *Run) error {
	if run == nil || run.ID == uuid.Nil {
		return errors.New("run id is required")
	}
	finishedAt := time.Now().UTC()
	if run.FinishedAt != nil {
		finishedAt = *run.FinishedAt
	}
	updates := map[string]any{
		"status":      run.Status,
		"error":       run.Error,
		"assets":      run.Assets,
		"finished_at": finishedAt,
	}
	if run.Meta != nil {
		updates["meta"] = datatypes.JSONMap(run.Meta)
	}
	res := s.orm.WithContext(ctx).
		Model(&migrations.ProtectRun{}).
		Where("id = ?", run.ID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// The start was never recorded; keep the outcome anyway.
		return s.Start(ctx, &Run{
			ID:          run.ID,
			App:         run.App,
			TargetType:  run.TargetType,
			ToolVersion: run.ToolVersion,
			Host:        run.Host,
			Status:      run.Status,
			Error:       run.Error,
			Assets:      run.Assets,
			Meta:        run.Meta,
			StartedAt:   run.StartedAt,
			FinishedAt:  &finishedAt,
		})
	}
	return nil
}

// Recent lists the newest runs first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Run, error) {
	limit = ClampLimit(limit)
	runs := []Run{}
	err := db.Select(ctx, s.pool, &runs, `
SELECT id, app, target_type, tool_version, host, status, error, assets, meta, started_at, finished_at
FROM protect_runs
ORDER BY started_at DESC
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ClampLimit bounds a requested page size.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
