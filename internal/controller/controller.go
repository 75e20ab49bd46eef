// Package controller implements the Job/Stage lifecycle operations of
// spec.md §4.3-4.5: submit, on_job_start, on_stage_done and the stage
// seeding/finalization they drive. Grounded on the teacher's
// jobs/orchestrator.Engine (the part of it that sequences stage
// transitions) but with the state machine's authority moved out of
// Go and into the two SQL arbiters of repos.JobRepo/TaskRepo, per
// spec.md §4.5 — the controller orchestrates, it never itself decides
// "am I last" or "has this already advanced".
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/geoflow/orchestrator/internal/broker"
	"github.com/geoflow/orchestrator/internal/domain"
	"github.com/geoflow/orchestrator/internal/errdomain"
	"github.com/geoflow/orchestrator/internal/ids"
	"github.com/geoflow/orchestrator/internal/logger"
	"github.com/geoflow/orchestrator/internal/registry"
	"github.com/geoflow/orchestrator/internal/repos"
)

// Clock is overridable in tests; production wiring passes time.Now.
type Clock func() time.Time

type Controller struct {
	Jobs     repos.JobRepo
	Tasks    repos.TaskRepo
	Requests repos.APIRequestRepo
	Broker   broker.Publisher
	Registry *registry.Registry
	Clock    Clock
	Log      *logger.Logger

	JobDeadline func(jobType string) *time.Duration
}

func New(jobs repos.JobRepo, tasks repos.TaskRepo, requests repos.APIRequestRepo, pub broker.Publisher, reg *registry.Registry, log_ *logger.Logger) *Controller {
	return &Controller{
		Jobs:     jobs,
		Tasks:    tasks,
		Requests: requests,
		Broker:   pub,
		Registry: reg,
		Clock:    time.Now,
		Log:      log_.With("component", "Controller"),
	}
}

func (c *Controller) now() time.Time {
	if c.Clock != nil {
		return c.Clock()
	}
	return time.Now()
}

// SubmitResult is the outcome of Submit (spec.md §4.3 submit).
type SubmitResult struct {
	JobID          string
	AlreadyExisted bool
}

// Submit validates and admits a new job. It never writes a job row or
// publishes a message unless every pre-flight validator passes.
func (c *Controller) Submit(ctx context.Context, jobType string, parameters map[string]any) (SubmitResult, error) {
	def, ok := c.Registry.Get(jobType)
	if !ok {
		return SubmitResult{}, &errdomain.UnknownJobType{JobType: jobType}
	}

	if err := def.Schema.Validate(jobType, parameters); err != nil {
		return SubmitResult{}, err
	}

	if err := c.runPreflight(def, parameters); err != nil {
		return SubmitResult{}, err
	}

	jobID, err := ids.JobID(jobType, parameters)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("derive job id: %w", err)
	}

	paramsJSON, err := ids.CanonicalizeParameters(parameters)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("canonicalize parameters: %w", err)
	}

	var deadline *time.Time
	if c.JobDeadline != nil {
		if d := c.JobDeadline(jobType); d != nil {
			t := c.now().Add(*d)
			deadline = &t
		}
	}

	job := &domain.Job{
		JobID:       jobID,
		JobType:     jobType,
		Parameters:  paramsJSON,
		Status:      string(domain.JobQueued),
		Stage:       1,
		TotalStages: def.TotalStages,
		Deadline:    deadline,
	}

	alreadyExisted, err := c.Jobs.InsertJobIfAbsent(repos.DBContext{Ctx: ctx}, job)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("insert job: %w", err)
	}
	if alreadyExisted {
		return SubmitResult{JobID: jobID, AlreadyExisted: true}, nil
	}

	// Publish is attempted once and not retried here; a failure leaves
	// the row Queued for the janitor's stuck-Queued-job sweep to
	// republish (spec.md §4.3 submit note).
	pubErr := c.Broker.Publish(ctx, broker.QueueJobs, broker.Envelope{
		Kind:    broker.KindJobStart,
		JobID:   jobID,
		JobType: jobType,
	})
	if pubErr != nil {
		c.Log.Warn("publish JobStart failed, job left queued for janitor pickup", "job_id", jobID, "error", pubErr)
	}

	return SubmitResult{JobID: jobID, AlreadyExisted: false}, nil
}

func (c *Controller) runPreflight(def registry.JobDefinition, parameters map[string]any) error {
	for _, v := range def.Validators {
		if err := v.Check(parameters); err != nil {
			return err
		}
	}
	return nil
}

// OnJobStart transitions a Queued job to Processing and seeds stage 1
// (spec.md §4.3 on_job_start). A duplicate JobStart delivery against an
// already-Processing job is a silent no-op.
func (c *Controller) OnJobStart(ctx context.Context, jobID string) error {
	job, err := c.Jobs.GetJobByID(repos.DBContext{Ctx: ctx}, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		return &errdomain.CorruptState{Reason: fmt.Sprintf("on_job_start for unknown job_id=%s", jobID)}
	}
	if job.Status != string(domain.JobQueued) {
		return nil
	}

	updated, err := c.Jobs.TransitionToProcessing(repos.DBContext{Ctx: ctx}, jobID)
	if err != nil {
		return fmt.Errorf("transition to processing: %w", err)
	}
	if !updated {
		return nil
	}

	return c.seedStage(ctx, job, 1)
}

// OnStageDone assembles the completed stage's results from its task
// rows, atomically advances the job's stage and, unless final, seeds
// the next stage (spec.md §4.3 on_stage_done, §4.5). The StageDone
// message itself carries only job_id and stage (spec.md §6 — messages
// carry identifiers, not payloads); the controller is the one place
// that reads task result_data back out of the store.
func (c *Controller) OnStageDone(ctx context.Context, jobID string, stage int) error {
	stageResults, err := c.collectStageResults(ctx, jobID, stage)
	if err != nil {
		return fmt.Errorf("collect stage %d results: %w", stage, err)
	}
	resultsJSON, err := json.Marshal(stageResults)
	if err != nil {
		return fmt.Errorf("marshal stage results: %w", err)
	}

	updated, newStage, isFinal, err := c.Jobs.AdvanceJobStage(repos.DBContext{Ctx: ctx}, jobID, stage, resultsJSON)
	if err != nil {
		return fmt.Errorf("advance_job_stage: %w", err)
	}
	if !updated {
		// Duplicate StageDone delivery; the stage already advanced.
		return nil
	}

	if isFinal {
		return c.finalize(ctx, jobID)
	}

	job, err := c.Jobs.GetJobByID(repos.DBContext{Ctx: ctx}, jobID)
	if err != nil {
		return fmt.Errorf("reload job: %w", err)
	}
	if job == nil {
		return &errdomain.CorruptState{Reason: fmt.Sprintf("job %s vanished mid stage-advance", jobID)}
	}
	return c.seedStage(ctx, job, newStage)
}

// collectStageResults reads back every task row of a completed stage
// and keys its result_data/next_stage_params (or permanent error) by
// task_index, so a stage+1 planner can find "the same-index task's
// result in stage 1" per spec.md §4.4 "Lineage" and splice its
// next_stage_params into the planned task's own parameters per spec.md
// §8's two-stage lineage scenario.
func (c *Controller) collectStageResults(ctx context.Context, jobID string, stage int) (map[string]any, error) {
	tasks, err := c.Tasks.GetStageTasks(repos.DBContext{Ctx: ctx}, jobID, stage)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(tasks))
	for _, t := range tasks {
		entry := map[string]any{"status": t.Status}
		if len(t.ResultData) > 0 {
			var rd any
			if jsonErr := json.Unmarshal(t.ResultData, &rd); jsonErr == nil {
				entry["result_data"] = rd
			}
		}
		if len(t.NextStageParams) > 0 {
			var nsp any
			if jsonErr := json.Unmarshal(t.NextStageParams, &nsp); jsonErr == nil {
				entry["next_stage_params"] = nsp
			}
		}
		if t.ErrorDetails != "" {
			entry["error_details"] = t.ErrorDetails
		}
		out[t.TaskIndex] = entry
	}
	return out, nil
}

// seedStage plans and inserts a stage's tasks then publishes one
// TaskStart per row (spec.md §4.4 "Stage seeding"). An empty plan is a
// planner bug: the job fails outright rather than silently stalling.
func (c *Controller) seedStage(ctx context.Context, job *domain.Job, stage int) error {
	def, ok := c.Registry.Get(job.JobType)
	if !ok {
		return &errdomain.UnknownJobType{JobType: job.JobType}
	}

	var parameters map[string]any
	if err := json.Unmarshal(job.Parameters, &parameters); err != nil {
		parameters = map[string]any{}
	}
	// job.StageResults is keyed by stage number; the planner gets only
	// the previous stage's map, keyed by task_index (nil for stage 1).
	var priorResults map[string]any
	if len(job.StageResults) > 0 {
		var allResults map[string]any
		if err := json.Unmarshal(job.StageResults, &allResults); err == nil {
			priorResults, _ = allResults[fmt.Sprintf("%d", stage-1)].(map[string]any)
		}
	}

	plans, err := def.Plan(job.JobID, stage, parameters, priorResults)
	if err != nil {
		_ = c.Jobs.FailJob(repos.DBContext{Ctx: ctx}, job.JobID, err.Error())
		return fmt.Errorf("plan stage %d: %w", stage, err)
	}
	if len(plans) == 0 {
		reason := fmt.Sprintf("no tasks produced for stage %d", stage)
		_ = c.Jobs.FailJob(repos.DBContext{Ctx: ctx}, job.JobID, reason)
		return &errdomain.PlannerError{JobType: job.JobType, Stage: stage}
	}

	tasks := make([]*domain.Task, 0, len(plans))
	for _, p := range plans {
		taskID, err := ids.TaskID(job.JobID, stage, p.IndexToken)
		if err != nil {
			_ = c.Jobs.FailJob(repos.DBContext{Ctx: ctx}, job.JobID, err.Error())
			return fmt.Errorf("derive task id: %w", err)
		}
		paramsJSON, err := json.Marshal(p.Parameters)
		if err != nil {
			return fmt.Errorf("marshal task parameters: %w", err)
		}
		tasks = append(tasks, &domain.Task{
			TaskID:      taskID,
			ParentJobID: job.JobID,
			JobType:     job.JobType,
			TaskType:    p.TaskType,
			Stage:       stage,
			TaskIndex:   p.IndexToken,
			Parameters:  paramsJSON,
			Status:      string(domain.TaskQueued),
		})
	}

	if err := c.Tasks.InsertTaskBatch(repos.DBContext{Ctx: ctx}, tasks); err != nil {
		return fmt.Errorf("insert task batch: %w", err)
	}

	for _, t := range tasks {
		if pubErr := c.Broker.Publish(ctx, broker.QueueTasks, broker.Envelope{
			Kind:     broker.KindTaskStart,
			JobID:    job.JobID,
			TaskID:   t.TaskID,
			TaskType: t.TaskType,
			Stage:    stage,
		}); pubErr != nil {
			// Publish is best-effort; rows stay Queued and the janitor's
			// orphaned-queued-task sweep republishes them (spec.md §4.4 step 5).
			c.Log.Warn("publish TaskStart failed, task left queued for janitor pickup", "task_id", t.TaskID, "error", pubErr)
		}
	}
	return nil
}

// finalize runs the registered Finalizer and transitions the job to its
// terminal status (spec.md §4.3 finalize).
func (c *Controller) finalize(ctx context.Context, jobID string) error {
	job, err := c.Jobs.GetJobByID(repos.DBContext{Ctx: ctx}, jobID)
	if err != nil {
		return fmt.Errorf("load job for finalize: %w", err)
	}
	if job == nil {
		return &errdomain.CorruptState{Reason: fmt.Sprintf("finalize for unknown job_id=%s", jobID)}
	}

	def, ok := c.Registry.Get(job.JobType)
	if !ok {
		return &errdomain.UnknownJobType{JobType: job.JobType}
	}

	var parameters map[string]any
	_ = json.Unmarshal(job.Parameters, &parameters)
	var stageResults map[string]any
	_ = json.Unmarshal(job.StageResults, &stageResults)

	anyFailed, err := c.anyTaskFailed(ctx, jobID)
	if err != nil {
		return fmt.Errorf("check for failed tasks: %w", err)
	}
	status := string(domain.JobCompleted)
	if anyFailed {
		status = string(domain.JobCompletedWithErrors)
	}

	var resultJSON json.RawMessage
	if def.Finalize != nil {
		result, err := def.Finalize(parameters, stageResults)
		if err != nil {
			return fmt.Errorf("finalize job_type=%s: %w", job.JobType, err)
		}
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal final result: %w", err)
		}
	}

	return c.Jobs.Finalize(repos.DBContext{Ctx: ctx}, jobID, status, resultJSON, "")
}

func (c *Controller) anyTaskFailed(ctx context.Context, jobID string) (bool, error) {
	for stage := 1; ; stage++ {
		tasks, err := c.Tasks.GetStageTasks(repos.DBContext{Ctx: ctx}, jobID, stage)
		if err != nil {
			return false, err
		}
		if len(tasks) == 0 {
			return false, nil
		}
		for _, t := range tasks {
			if t.Status == string(domain.TaskFailed) {
				return true, nil
			}
		}
	}
}
