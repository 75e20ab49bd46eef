package repos

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/geoflow/orchestrator/internal/domain"
	"github.com/geoflow/orchestrator/internal/logger"
)

// JobRepo persists and arbitrates job rows.
type JobRepo interface {
	// InsertJobIfAbsent writes a Queued row with stage=1 iff job_id does
	// not already exist. alreadyExisted=true is not an error (spec.md
	// §4.3 submit is idempotent on job_id).
	InsertJobIfAbsent(dbc DBContext, job *domain.Job) (alreadyExisted bool, err error)
	GetJobByID(dbc DBContext, jobID string) (*domain.Job, error)
	// TransitionToProcessing moves a Queued job to Processing, guarded by
	// WHERE status='queued' so a duplicate JobStart delivery is a no-op.
	TransitionToProcessing(dbc DBContext, jobID string) (updated bool, err error)
	// AdvanceJobStage calls advance_job_stage (spec.md §4.5).
	AdvanceJobStage(dbc DBContext, jobID string, currentStage int, stageResults json.RawMessage) (updated bool, newStage int, isFinal bool, err error)
	// Finalize sets result_data and the final status once the last
	// stage has completed (spec.md §4.3 finalize).
	Finalize(dbc DBContext, jobID string, status string, resultData json.RawMessage, errorDetails string) error
	// FailJob marks a job Failed outright, e.g. a planner bug (spec.md §4.4 step 2).
	FailJob(dbc DBContext, jobID string, errorDetails string) error
	ListStuckQueued(dbc DBContext, olderThan time.Time) ([]*domain.Job, error)
	ListProcessingWithDeadlinePassed(dbc DBContext, now time.Time) ([]*domain.Job, error)
	// ListProcessing returns every Processing job, for the janitor's
	// stage-completion sanity sweep (spec.md §4.7) to check against.
	ListProcessing(dbc DBContext) ([]*domain.Job, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

// nonTerminalJobStatuses is every JobStatus for which Terminal() is
// false, used to guard Finalize/FailJob so a stale write can never
// overwrite a job that has already reached a sticky terminal state
// (spec.md §3 invariant 7).
var nonTerminalJobStatuses = func() []string {
	all := []domain.JobStatus{
		domain.JobQueued, domain.JobProcessing,
		domain.JobCompleted, domain.JobFailed, domain.JobCompletedWithErrors,
	}
	out := make([]string, 0, len(all))
	for _, s := range all {
		if !s.Terminal() {
			out = append(out, string(s))
		}
	}
	return out
}()

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{db: db, log: baseLog.With("repo", "JobRepo")}
}

func (r *jobRepo) InsertJobIfAbsent(dbc DBContext, job *domain.Job) (bool, error) {
	tx := dbc.txOr(r.db)
	var existing domain.Job
	err := tx.WithContext(dbc.Ctx).Where("job_id = ?", job.JobID).First(&existing).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	if job.Status == "" {
		job.Status = string(domain.JobQueued)
	}
	if job.Stage == 0 {
		job.Stage = 1
	}
	if createErr := tx.WithContext(dbc.Ctx).Create(job).Error; createErr != nil {
		// A unique-violation here means a concurrent submit beat us to it;
		// treat it the same as "already existed" rather than surfacing a
		// spurious error to the submitter.
		var again domain.Job
		if lookupErr := tx.WithContext(dbc.Ctx).Where("job_id = ?", job.JobID).First(&again).Error; lookupErr == nil {
			return true, nil
		}
		return false, createErr
	}
	return false, nil
}

func (r *jobRepo) GetJobByID(dbc DBContext, jobID string) (*domain.Job, error) {
	tx := dbc.txOr(r.db)
	var job domain.Job
	err := tx.WithContext(dbc.Ctx).Where("job_id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) TransitionToProcessing(dbc DBContext, jobID string) (bool, error) {
	tx := dbc.txOr(r.db)
	res := tx.WithContext(dbc.Ctx).Model(&domain.Job{}).
		Where("job_id = ? AND status = ?", jobID, string(domain.JobQueued)).
		Updates(map[string]any{
			"status":     string(domain.JobProcessing),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

type advanceRow struct {
	Updated  bool
	NewStage int
	IsFinal  bool
}

func (r *jobRepo) AdvanceJobStage(dbc DBContext, jobID string, currentStage int, stageResults json.RawMessage) (bool, int, bool, error) {
	tx := dbc.txOr(r.db)
	if len(stageResults) == 0 {
		stageResults = json.RawMessage("{}")
	}
	var row advanceRow
	err := tx.WithContext(dbc.Ctx).Raw(
		`SELECT updated, new_stage, is_final FROM advance_job_stage(?, ?, ?::jsonb)`,
		jobID, currentStage, string(stageResults),
	).Scan(&row).Error
	if err != nil {
		return false, currentStage, false, err
	}
	return row.Updated, row.NewStage, row.IsFinal, nil
}

// Finalize sets result_data and the final status, guarded by
// status IN (non-terminal) so a delayed/duplicate finalize can never
// clobber a job that some other caller already moved to a terminal
// state (spec.md §3 invariant 7, the sticky-terminal guarantee
// domain.JobStatus.Terminal exists to express).
func (r *jobRepo) Finalize(dbc DBContext, jobID string, status string, resultData json.RawMessage, errorDetails string) error {
	tx := dbc.txOr(r.db)
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now(),
	}
	if resultData != nil {
		updates["result_data"] = resultData
	}
	if errorDetails != "" {
		updates["error_details"] = errorDetails
	}
	return tx.WithContext(dbc.Ctx).Model(&domain.Job{}).
		Where("job_id = ? AND status IN ?", jobID, nonTerminalJobStatuses).
		Updates(updates).Error
}

// FailJob marks a job Failed, guarded the same way as Finalize so it
// can never overwrite an already-terminal job (e.g. the janitor's
// deadline sweep racing a controller finalize).
func (r *jobRepo) FailJob(dbc DBContext, jobID string, errorDetails string) error {
	tx := dbc.txOr(r.db)
	return tx.WithContext(dbc.Ctx).Model(&domain.Job{}).
		Where("job_id = ? AND status IN ?", jobID, nonTerminalJobStatuses).
		Updates(map[string]any{
			"status":        string(domain.JobFailed),
			"error_details": errorDetails,
			"updated_at":    time.Now(),
		}).Error
}

func (r *jobRepo) ListStuckQueued(dbc DBContext, olderThan time.Time) ([]*domain.Job, error) {
	tx := dbc.txOr(r.db)
	var out []*domain.Job
	err := tx.WithContext(dbc.Ctx).
		Where("status = ? AND created_at < ?", string(domain.JobQueued), olderThan).
		Find(&out).Error
	return out, err
}

func (r *jobRepo) ListProcessing(dbc DBContext) ([]*domain.Job, error) {
	tx := dbc.txOr(r.db)
	var out []*domain.Job
	err := tx.WithContext(dbc.Ctx).
		Where("status = ?", string(domain.JobProcessing)).
		Find(&out).Error
	return out, err
}

func (r *jobRepo) ListProcessingWithDeadlinePassed(dbc DBContext, now time.Time) ([]*domain.Job, error) {
	tx := dbc.txOr(r.db)
	var out []*domain.Job
	err := tx.WithContext(dbc.Ctx).
		Where("status = ? AND deadline IS NOT NULL AND deadline < ?", string(domain.JobProcessing), now).
		Find(&out).Error
	return out, err
}
