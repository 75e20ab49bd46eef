// Package janitor implements the periodic reconciliation sweep of
// spec.md §4.7. It is an observer only: it never invents task results,
// only retries, re-queues, or marks failed. Grounded on the teacher's
// stale-heartbeat/claim discipline in internal/data/repos/jobs
// (ClaimNextRunnable's staleRunning cutoff), generalized from a single
// "reclaim one stale JobRun" check into the full four-sweep janitor
// the spec requires.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/geoflow/orchestrator/internal/broker"
	"github.com/geoflow/orchestrator/internal/domain"
	"github.com/geoflow/orchestrator/internal/logger"
	"github.com/geoflow/orchestrator/internal/repos"
)

type Sweeper struct {
	Jobs     repos.JobRepo
	Tasks    repos.TaskRepo
	Runs     repos.JanitorRunRepo
	Broker   broker.Publisher
	Interval time.Duration
	Log      *logger.Logger

	HeartbeatTimeout  time.Duration
	TaskRetryBudget   int
	StuckQueuedJobAge time.Duration
	OrphanedTaskAge   time.Duration
}

// Run ticks every Interval until ctx is cancelled, running all five
// sweeps per tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	run := &domain.JanitorRun{StartedAt: time.Now()}

	if n, err := s.reclaimStaleHeartbeats(ctx); err != nil {
		s.Log.Error("stale heartbeat sweep failed", "error", err)
	} else {
		run.StaleHeartbeats = n
		if n > 0 {
			s.Log.Info("reclaimed stale-heartbeat tasks", "count", n)
		}
	}

	if n, err := s.republishStuckQueuedJobs(ctx); err != nil {
		s.Log.Error("stuck queued job sweep failed", "error", err)
	} else {
		run.StuckJobs = n
		if n > 0 {
			s.Log.Info("republished stuck queued jobs", "count", n)
		}
	}

	if n, err := s.republishOrphanedQueuedTasks(ctx); err != nil {
		s.Log.Error("orphaned queued task sweep failed", "error", err)
	} else {
		run.OrphanedTasks = n
		if n > 0 {
			s.Log.Info("republished orphaned queued tasks", "count", n)
		}
	}

	if n, err := s.synthesizeMissingStageDone(ctx); err != nil {
		s.Log.Error("stage completion sanity sweep failed", "error", err)
	} else {
		run.SynthesizedDone = n
		if n > 0 {
			s.Log.Info("synthesized missing StageDone messages", "count", n)
		}
	}

	if n, err := s.failPastDeadlineJobs(ctx); err != nil {
		s.Log.Error("job deadline sweep failed", "error", err)
	} else {
		run.DeadlineFailed = n
		if n > 0 {
			s.Log.Info("failed jobs past deadline", "count", n)
		}
	}

	run.FinishedAt = time.Now()
	if s.Runs != nil {
		if err := s.Runs.Insert(repos.DBContext{Ctx: ctx}, run); err != nil {
			s.Log.Warn("record janitor run failed", "error", err)
		}
	}
}

// reclaimStaleHeartbeats implements spec.md §4.7 "Stale heartbeats":
// tasks whose heartbeat has gone quiet are re-queued up to the retry
// budget, else marked Failed.
func (s *Sweeper) reclaimStaleHeartbeats(ctx context.Context) (int, error) {
	reclaimed, err := s.Tasks.ClaimStaleHeartbeats(repos.DBContext{Ctx: ctx}, s.HeartbeatTimeout, s.TaskRetryBudget)
	if err != nil {
		return 0, err
	}
	for _, t := range reclaimed {
		if t.Status != string(domain.TaskPendingRetry) {
			continue
		}
		if pubErr := s.Broker.Publish(ctx, broker.QueueTasks, broker.Envelope{
			Kind:     broker.KindTaskStart,
			JobID:    t.ParentJobID,
			TaskID:   t.TaskID,
			TaskType: t.TaskType,
			Stage:    t.Stage,
		}); pubErr != nil {
			s.Log.Warn("republish reclaimed task failed", "task_id", t.TaskID, "error", pubErr)
		}
	}
	return len(reclaimed), nil
}

// republishStuckQueuedJobs implements spec.md §4.7 "Stuck Queued jobs":
// jobs whose JobStart publish apparently never arrived get republished.
func (s *Sweeper) republishStuckQueuedJobs(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.StuckQueuedJobAge)
	jobs, err := s.Jobs.ListStuckQueued(repos.DBContext{Ctx: ctx}, cutoff)
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		if pubErr := s.Broker.Publish(ctx, broker.QueueJobs, broker.Envelope{
			Kind:    broker.KindJobStart,
			JobID:   j.JobID,
			JobType: j.JobType,
		}); pubErr != nil {
			s.Log.Warn("republish stuck queued job failed", "job_id", j.JobID, "error", pubErr)
		}
	}
	return len(jobs), nil
}

// republishOrphanedQueuedTasks implements spec.md §4.7 "Orphaned Queued
// tasks": task rows left Queued whose TaskStart publish apparently
// never arrived, scoped to each Processing job's current stage.
func (s *Sweeper) republishOrphanedQueuedTasks(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.OrphanedTaskAge)
	jobs, err := s.Jobs.ListProcessing(repos.DBContext{Ctx: ctx})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, j := range jobs {
		orphaned, err := s.Tasks.ListOrphanedQueued(repos.DBContext{Ctx: ctx}, j.JobID, j.Stage, cutoff)
		if err != nil {
			s.Log.Warn("list orphaned queued tasks failed", "job_id", j.JobID, "error", err)
			continue
		}
		for _, t := range orphaned {
			if pubErr := s.Broker.Publish(ctx, broker.QueueTasks, broker.Envelope{
				Kind:     broker.KindTaskStart,
				JobID:    t.ParentJobID,
				TaskID:   t.TaskID,
				TaskType: t.TaskType,
				Stage:    t.Stage,
			}); pubErr != nil {
				s.Log.Warn("republish orphaned queued task failed", "task_id", t.TaskID, "error", pubErr)
				continue
			}
			total++
		}
	}
	return total, nil
}

// synthesizeMissingStageDone implements spec.md §4.7 "Stage completion
// sanity": a Processing job whose current stage has zero non-terminal
// tasks left, but for which no StageDone was ever observed, gets one
// synthesized. This is the one place the janitor looks like it
// "invents" something — it does not: the tasks already reached a
// terminal status; the janitor is only re-signaling a true fact the
// broker lost.
func (s *Sweeper) synthesizeMissingStageDone(ctx context.Context) (int, error) {
	jobs, err := s.Jobs.ListProcessing(repos.DBContext{Ctx: ctx})
	if err != nil {
		return 0, err
	}
	synthesized := 0
	for _, j := range jobs {
		remaining, err := s.Tasks.CountNonTerminalInStage(repos.DBContext{Ctx: ctx}, j.JobID, j.Stage)
		if err != nil {
			s.Log.Warn("count non-terminal tasks failed", "job_id", j.JobID, "error", err)
			continue
		}
		if remaining != 0 {
			continue
		}
		if pubErr := s.Broker.Publish(ctx, broker.QueueStageDone, broker.Envelope{
			Kind:  broker.KindStageDone,
			JobID: j.JobID,
			Stage: j.Stage,
		}); pubErr != nil {
			s.Log.Warn("synthesize StageDone failed", "job_id", j.JobID, "stage", j.Stage, "error", pubErr)
			continue
		}
		synthesized++
	}
	return synthesized, nil
}

// failPastDeadlineJobs enforces the per-job timeout decided in
// DESIGN.md's Open Question resolution: a Processing job whose deadline
// has passed is failed outright, and its remaining Queued tasks are
// cancelled.
func (s *Sweeper) failPastDeadlineJobs(ctx context.Context) (int, error) {
	jobs, err := s.Jobs.ListProcessingWithDeadlinePassed(repos.DBContext{Ctx: ctx}, time.Now())
	if err != nil {
		return 0, err
	}
	for _, j := range jobs {
		if err := s.Jobs.FailJob(repos.DBContext{Ctx: ctx}, j.JobID, fmt.Sprintf("deadline %s exceeded", j.Deadline)); err != nil {
			s.Log.Warn("fail past-deadline job failed", "job_id", j.JobID, "error", err)
			continue
		}
		if err := s.Tasks.CancelQueuedForJob(repos.DBContext{Ctx: ctx}, j.JobID); err != nil {
			s.Log.Warn("cancel queued tasks for past-deadline job failed", "job_id", j.JobID, "error", err)
		}
	}
	return len(jobs), nil
}
