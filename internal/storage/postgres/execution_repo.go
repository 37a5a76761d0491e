package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/toolexec/internal/execution"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// ExecutionRepository stores execution records and their attempt log.
// It satisfies executor.Store.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// SaveExecution upserts the record.
func (r *ExecutionRepository) SaveExecution(ctx context.Context, rec *execution.Record) error {
	model, err := toExecutionModel(rec)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(model).Error
	if err != nil {
		return fmt.Errorf("saving execution %s: %w", rec.ID, err)
	}
	return nil
}

// GetExecution returns the record with id, or an error wrapping
// execution.ErrNotFound.
func (r *ExecutionRepository) GetExecution(ctx context.Context, id execution.ID) (*execution.Record, error) {
	var model ExecutionModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", execution.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting execution %s: %w", id, err)
	}
	return toExecutionDomain(&model)
}

// ListExecutions returns records matching f, newest first.
func (r *ExecutionRepository) ListExecutions(ctx context.Context, f execution.Filter) ([]*execution.Record, error) {
	q := r.db.WithContext(ctx).Order("submitted_at DESC")
	if f.TenantID != "" {
		q = q.Where("tenant_id = ?", f.TenantID)
	}
	if f.ToolID != "" {
		q = q.Where("tool_id = ?", f.ToolID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.ParentID != nil {
		q = q.Where("parent_id = ?", *f.ParentID)
	}
	if !f.Since.IsZero() {
		q = q.Where("submitted_at >= ?", f.Since.UTC())
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var models []ExecutionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	out := make([]*execution.Record, 0, len(models))
	for i := range models {
		rec, err := toExecutionDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// SaveAttempt appends one attempt line. Re-saving the same attempt number
// is a no-op.
func (r *ExecutionRepository) SaveAttempt(ctx context.Context, a *execution.Attempt) error {
	model, err := toAttemptModel(a)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isDuplicate(err) {
			return nil
		}
		return fmt.Errorf("saving attempt %d of %s: %w", a.Number, a.ExecutionID, err)
	}
	return nil
}

// ListAttempts returns the attempt log of id in attempt order.
func (r *ExecutionRepository) ListAttempts(ctx context.Context, id execution.ID) ([]*execution.Attempt, error) {
	var models []AttemptModel
	err := r.db.WithContext(ctx).
		Where("execution_id = ?", id).
		Order("number ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing attempts of %s: %w", id, err)
	}
	out := make([]*execution.Attempt, 0, len(models))
	for i := range models {
		a, err := toAttemptDomain(&models[i])
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// PurgeExecutions deletes terminal records that ended before the cutoff,
// with their attempt logs. It returns the number of records deleted.
func (r *ExecutionRepository) PurgeExecutions(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&ExecutionModel{}).Select("id").Where("ended_at IS NOT NULL AND ended_at < ?", before.UTC())
		if err := tx.Where("execution_id IN (?)", old).Delete(&AttemptModel{}).Error; err != nil {
			return fmt.Errorf("purging attempts: %w", err)
		}
		res := tx.Where("ended_at IS NOT NULL AND ended_at < ?", before.UTC()).Delete(&ExecutionModel{})
		if res.Error != nil {
			return fmt.Errorf("purging executions: %w", res.Error)
		}
		n = res.RowsAffected
		return nil
	})
	return n, err
}

// isDuplicate reports a unique key violation, either translated by GORM
// or raised by the PostgreSQL driver.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
