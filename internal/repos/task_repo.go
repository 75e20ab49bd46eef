package repos

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/geoflow/orchestrator/internal/domain"
	"github.com/geoflow/orchestrator/internal/logger"
)

// TaskRepo persists and arbitrates task rows.
type TaskRepo interface {
	// InsertTaskBatch writes an entire stage's planned tasks in one
	// transaction (spec.md §4.4 step 4). A single column-list/value
	// builder backs this whether called with one task or a thousand —
	// there is no separate single-row insert path to keep in sync.
	InsertTaskBatch(dbc DBContext, tasks []*domain.Task) error
	GetTaskByID(dbc DBContext, taskID string) (*domain.Task, error)
	GetStageTasks(dbc DBContext, jobID string, stage int) ([]*domain.Task, error)
	// ClaimTask is the at-most-once-invocation gate of spec.md §4.6.
	ClaimTask(dbc DBContext, taskID string) (bool, error)
	// CompleteTaskAndCheckStage calls complete_task_and_check_stage
	// (spec.md §4.5). nextStageParams is persisted into the task's
	// next_stage_params column so a stage+1 planner can splice it into
	// the same-index task's lineage (spec.md §4.4, §8).
	CompleteTaskAndCheckStage(dbc DBContext, taskID, jobID string, stage int, status string, resultData json.RawMessage, errorDetails string, nextStageParams json.RawMessage) (updated, isLast bool, remaining int64, err error)
	MarkRetrying(dbc DBContext, taskID string, nextAttemptAt time.Time) error
	RequeueToPendingRetry(dbc DBContext, taskID string) (bool, error)
	Heartbeat(dbc DBContext, taskID string) (bool, error)
	// ClaimStaleHeartbeats reclaims tasks whose heartbeat went quiet past
	// timeout (spec.md §4.7 "Stale heartbeats"). It returns every task it
	// reclaimed with its new status: pending_retry (for the caller to
	// republish) or failed once maxAttempts is used up.
	ClaimStaleHeartbeats(dbc DBContext, timeout time.Duration, maxAttempts int) ([]*domain.Task, error)
	ListOrphanedQueued(dbc DBContext, jobID string, stage int, olderThan time.Time) ([]*domain.Task, error)
	CountNonTerminalInStage(dbc DBContext, jobID string, stage int) (int64, error)
	CancelQueuedForJob(dbc DBContext, jobID string) error
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{db: db, log: baseLog.With("repo", "TaskRepo")}
}

func (r *taskRepo) InsertTaskBatch(dbc DBContext, tasks []*domain.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	tx := dbc.txOr(r.db)
	return tx.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		return txx.Create(&tasks).Error
	})
}

func (r *taskRepo) GetTaskByID(dbc DBContext, taskID string) (*domain.Task, error) {
	tx := dbc.txOr(r.db)
	var t domain.Task
	err := tx.WithContext(dbc.Ctx).Where("task_id = ?", taskID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *taskRepo) GetStageTasks(dbc DBContext, jobID string, stage int) ([]*domain.Task, error) {
	tx := dbc.txOr(r.db)
	var out []*domain.Task
	err := tx.WithContext(dbc.Ctx).
		Where("parent_job_id = ? AND stage = ?", jobID, stage).
		Order("task_index ASC").
		Find(&out).Error
	return out, err
}

func (r *taskRepo) ClaimTask(dbc DBContext, taskID string) (bool, error) {
	tx := dbc.txOr(r.db)
	now := time.Now()
	res := tx.WithContext(dbc.Ctx).Model(&domain.Task{}).
		Where("task_id = ? AND status IN ?", taskID, []string{string(domain.TaskQueued), string(domain.TaskPendingRetry)}).
		Updates(map[string]any{
			"status":     string(domain.TaskProcessing),
			"heartbeat":  now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

type completeRow struct {
	Updated   bool
	IsLast    bool
	Remaining int64
}

func (r *taskRepo) CompleteTaskAndCheckStage(dbc DBContext, taskID, jobID string, stage int, status string, resultData json.RawMessage, errorDetails string, nextStageParams json.RawMessage) (bool, bool, int64, error) {
	tx := dbc.txOr(r.db)
	var rd any
	if len(resultData) > 0 {
		rd = string(resultData)
	}
	var ed any
	if errorDetails != "" {
		ed = errorDetails
	}
	var nsp any
	if len(nextStageParams) > 0 {
		nsp = string(nextStageParams)
	}
	var row completeRow
	err := tx.WithContext(dbc.Ctx).Raw(
		`SELECT updated, is_last, remaining FROM complete_task_and_check_stage(?, ?, ?, ?, ?::jsonb, ?, ?::jsonb)`,
		taskID, jobID, stage, status, rd, ed, nsp,
	).Scan(&row).Error
	if err != nil {
		return false, false, 0, err
	}
	return row.Updated, row.IsLast, row.Remaining, nil
}

func (r *taskRepo) MarkRetrying(dbc DBContext, taskID string, nextAttemptAt time.Time) error {
	tx := dbc.txOr(r.db)
	return tx.WithContext(dbc.Ctx).Model(&domain.Task{}).
		Where("task_id = ? AND status = ?", taskID, string(domain.TaskProcessing)).
		Updates(map[string]any{
			"status":      string(domain.TaskRetrying),
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  time.Now(),
		}).Error
}

func (r *taskRepo) RequeueToPendingRetry(dbc DBContext, taskID string) (bool, error) {
	tx := dbc.txOr(r.db)
	res := tx.WithContext(dbc.Ctx).Model(&domain.Task{}).
		Where("task_id = ? AND status = ?", taskID, string(domain.TaskRetrying)).
		Updates(map[string]any{
			"status":     string(domain.TaskPendingRetry),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) Heartbeat(dbc DBContext, taskID string) (bool, error) {
	tx := dbc.txOr(r.db)
	now := time.Now()
	res := tx.WithContext(dbc.Ctx).Model(&domain.Task{}).
		Where("task_id = ? AND status = ?", taskID, string(domain.TaskProcessing)).
		Updates(map[string]any{"heartbeat": now, "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ClaimStaleHeartbeats reclaims one stale task at a time under
// SKIP LOCKED, the way the teacher's ClaimNextRunnable claims one
// runnable JobRun at a time, generalized into a batch-reclaim loop
// called by the janitor sweep (spec.md §4.7).
func (r *taskRepo) ClaimStaleHeartbeats(dbc DBContext, timeout time.Duration, maxAttempts int) ([]*domain.Task, error) {
	tx := dbc.txOr(r.db)
	cutoff := time.Now().Add(-timeout)
	var reclaimed []*domain.Task

	for {
		var t domain.Task
		claimedOne := false
		err := tx.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
			qErr := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
				Where("status = ? AND heartbeat IS NOT NULL AND heartbeat < ?", string(domain.TaskProcessing), cutoff).
				Order("updated_at ASC").
				First(&t).Error
			if errors.Is(qErr, gorm.ErrRecordNotFound) {
				return nil
			}
			if qErr != nil {
				return qErr
			}

			newStatus := string(domain.TaskFailed)
			if t.RetryCount < maxAttempts {
				newStatus = string(domain.TaskPendingRetry)
			}
			uErr := txx.Model(&domain.Task{}).
				Where("task_id = ? AND status = ?", t.TaskID, string(domain.TaskProcessing)).
				Updates(map[string]any{
					"status":      newStatus,
					"retry_count": gorm.Expr("retry_count + 1"),
					"updated_at":  time.Now(),
				}).Error
			if uErr != nil {
				return uErr
			}
			t.Status = newStatus
			claimedOne = true
			return nil
		})
		if err != nil {
			return reclaimed, err
		}
		if !claimedOne {
			break
		}
		reclaimed = append(reclaimed, &t)
	}
	return reclaimed, nil
}

func (r *taskRepo) ListOrphanedQueued(dbc DBContext, jobID string, stage int, olderThan time.Time) ([]*domain.Task, error) {
	tx := dbc.txOr(r.db)
	var out []*domain.Task
	err := tx.WithContext(dbc.Ctx).
		Where("parent_job_id = ? AND stage = ? AND status = ? AND created_at < ?",
			jobID, stage, string(domain.TaskQueued), olderThan).
		Find(&out).Error
	return out, err
}

func (r *taskRepo) CountNonTerminalInStage(dbc DBContext, jobID string, stage int) (int64, error) {
	tx := dbc.txOr(r.db)
	var count int64
	err := tx.WithContext(dbc.Ctx).Model(&domain.Task{}).
		Where("parent_job_id = ? AND stage = ? AND status NOT IN ?", jobID, stage, []string{string(domain.TaskCompleted), string(domain.TaskFailed)}).
		Count(&count).Error
	return count, err
}

func (r *taskRepo) CancelQueuedForJob(dbc DBContext, jobID string) error {
	tx := dbc.txOr(r.db)
	return tx.WithContext(dbc.Ctx).Model(&domain.Task{}).
		Where("parent_job_id = ? AND status = ?", jobID, string(domain.TaskQueued)).
		Updates(map[string]any{
			"status":     string(domain.TaskCancelled),
			"updated_at": time.Now(),
		}).Error
}
