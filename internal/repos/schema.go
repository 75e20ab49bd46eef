// Package repos persists jobs, tasks and api_requests, and installs the
// two atomic SQL stored routines (spec.md §4.5) that arbitrate stage
// advancement. Grounded on the teacher's internal/data/repos/jobs
// package (gorm repo interfaces backed by *gorm.DB, SKIP LOCKED claim
// transactions) generalized from JobRun-only to Job+Task+APIRequest,
// and on internal/db/postgres.go for the connect/AutoMigrate pattern.
package repos

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/geoflow/orchestrator/internal/domain"
)

// AutoMigrateAll creates/updates the jobs, tasks, api_requests and
// janitor_runs tables and installs the atomic stored routines. Safe to
// call on every process start, mirroring the teacher's AutoMigrateAll.
func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(&domain.Job{}, &domain.Task{}, &domain.APIRequest{}, &domain.JanitorRun{}); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	if err := installRoutines(db); err != nil {
		return fmt.Errorf("install stored routines: %w", err)
	}
	return nil
}

// installRoutines creates the two server-side arbiters of spec.md §4.5.
// complete_task_and_check_stage serializes the "am I last?" check with a
// transaction-scoped advisory lock keyed on hash(job_id || ':' || stage);
// advance_job_stage's "AND stage=?" guard is the idempotency gate against
// duplicate StageDone delivery.
func installRoutines(db *gorm.DB) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS pgcrypto`,
		`
CREATE OR REPLACE FUNCTION complete_task_and_check_stage(
    p_task_id text,
    p_job_id text,
    p_stage int,
    p_status text,
    p_result_data jsonb,
    p_error_details text,
    p_next_stage_params jsonb
) RETURNS TABLE(updated boolean, is_last boolean, remaining bigint) AS $$
DECLARE
    v_rows int;
    v_remaining bigint;
BEGIN
    UPDATE tasks
       SET status = p_status,
           result_data = COALESCE(p_result_data, result_data),
           error_details = COALESCE(p_error_details, error_details),
           next_stage_params = COALESCE(p_next_stage_params, next_stage_params),
           updated_at = NOW()
     WHERE task_id = p_task_id
       AND parent_job_id = p_job_id
       AND stage = p_stage
       AND status = 'processing';
    GET DIAGNOSTICS v_rows = ROW_COUNT;

    IF v_rows = 0 THEN
        RETURN QUERY SELECT false, false, 0::bigint;
        RETURN;
    END IF;

    PERFORM pg_advisory_xact_lock(hashtextextended(p_job_id || ':' || p_stage::text, 0));

    SELECT COUNT(*) INTO v_remaining
      FROM tasks
     WHERE parent_job_id = p_job_id
       AND stage = p_stage
       AND status NOT IN ('completed', 'failed');

    RETURN QUERY SELECT true, (v_remaining = 0), v_remaining;
END;
$$ LANGUAGE plpgsql;
`,
		`
CREATE OR REPLACE FUNCTION advance_job_stage(
    p_job_id text,
    p_current_stage int,
    p_stage_results jsonb
) RETURNS TABLE(updated boolean, new_stage int, is_final boolean) AS $$
DECLARE
    v_rows int;
    v_new_stage int;
    v_total_stages int;
    v_is_final boolean;
BEGIN
    SELECT total_stages INTO v_total_stages FROM jobs WHERE job_id = p_job_id;
    IF NOT FOUND THEN
        RETURN QUERY SELECT false, p_current_stage, false;
        RETURN;
    END IF;

    v_new_stage := p_current_stage + 1;
    v_is_final := v_new_stage > v_total_stages;

    UPDATE jobs
       SET stage = v_new_stage,
           stage_results = COALESCE(stage_results, '{}'::jsonb)
               || jsonb_build_object(p_current_stage::text, p_stage_results),
           status = CASE WHEN v_is_final THEN 'completed' ELSE 'processing' END,
           updated_at = NOW()
     WHERE job_id = p_job_id
       AND stage = p_current_stage;
    GET DIAGNOSTICS v_rows = ROW_COUNT;

    IF v_rows = 0 THEN
        RETURN QUERY SELECT false, p_current_stage, false;
        RETURN;
    END IF;

    RETURN QUERY SELECT true, v_new_stage, v_is_final;
END;
$$ LANGUAGE plpgsql;
`,
	}

	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
