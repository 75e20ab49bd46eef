// Package executor dispatches claimed task messages to registered
// handlers (spec.md §4.6). Grounded on the teacher's
// internal/jobs/worker.Worker: the heartbeat-goroutine-around-handler-
// invocation pattern and panic-to-Fail safety net are carried over
// unchanged in spirit, but the claim source is a broker delivery
// (TaskStart message) rather than a DB poll, and retry/backoff
// decisions are driven by errdomain.Classify instead of a fixed
// attempts-column check.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/geoflow/orchestrator/internal/broker"
	"github.com/geoflow/orchestrator/internal/domain"
	"github.com/geoflow/orchestrator/internal/errdomain"
	"github.com/geoflow/orchestrator/internal/logger"
	"github.com/geoflow/orchestrator/internal/observability"
	"github.com/geoflow/orchestrator/internal/repos"
	"github.com/geoflow/orchestrator/internal/tasktypes"
)

type Executor struct {
	Tasks    repos.TaskRepo
	Broker   broker.Publisher
	Consumer broker.Consumer
	Handlers *tasktypes.Registry
	Log      *logger.Logger

	// HeartbeatEvery sets how often a running handler's liveness is
	// recorded; zero or negative disables the heartbeat ticker.
	HeartbeatEvery time.Duration

	// RetryBudget bounds how many Transient/Throttling failures a task
	// may absorb before going to Failed (spec.md §4.6, default 3).
	RetryBudget int

	// BackoffBase/BackoffMax bound the exponential-with-jitter delay
	// between retries.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// Run consumes QueueTasks under the given consumer group/name until ctx
// is cancelled.
func (e *Executor) Run(ctx context.Context, group, consumerName string) error {
	return e.Consumer.Consume(ctx, broker.QueueTasks, group, consumerName, e.handle)
}

func (e *Executor) handle(ctx context.Context, env broker.Envelope) error {
	claimed, err := e.Tasks.ClaimTask(repos.DBContext{Ctx: ctx}, env.TaskID)
	if err != nil {
		return fmt.Errorf("claim task %s: %w", env.TaskID, err)
	}
	if !claimed {
		// At-least-once delivery redelivered a message for a task someone
		// else already claimed (or that already finished); discard.
		return nil
	}

	task, err := e.Tasks.GetTaskByID(repos.DBContext{Ctx: ctx}, env.TaskID)
	if err != nil {
		return fmt.Errorf("load claimed task %s: %w", env.TaskID, err)
	}
	if task == nil {
		return &errdomain.CorruptState{Reason: fmt.Sprintf("claimed task %s has no row", env.TaskID)}
	}

	handler, ok := e.Handlers.Get(task.TaskType)
	if !ok {
		e.failTerminal(ctx, task, fmt.Sprintf("no handler registered for task_type=%s", task.TaskType))
		return nil
	}

	e.runWithHeartbeat(ctx, task, handler)
	return nil
}

func (e *Executor) runWithHeartbeat(ctx context.Context, task *domain.Task, handler tasktypes.Handler) {
	ctx, span := observability.Tracer("executor").Start(ctx, "task.run",
		trace.WithAttributes(
			attribute.String("task.id", task.TaskID),
			attribute.String("task.type", task.TaskType),
			attribute.String("job.id", task.ParentJobID),
			attribute.Int("stage", task.Stage),
		))
	defer span.End()

	tc := tasktypes.NewContext(ctx, task, e.Tasks, e.Log)

	stop := e.startHeartbeat(ctx, task.TaskID)
	defer stop()

	result, err := e.invoke(tc, handler)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.handleFailure(ctx, task, err)
		return
	}
	e.handleSuccess(ctx, task, result)
}

// invoke recovers from a handler panic and converts it into a
// PermanentHandlerError, the task-level analogue of the teacher's
// panic-to-jc.Fail safety net.
func (e *Executor) invoke(tc *tasktypes.Context, handler tasktypes.Handler) (result tasktypes.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.Log.Error("task handler panic", "task_id", tc.Task.TaskID, "task_type", tc.Task.TaskType, "panic", r)
			err = &errdomain.PermanentHandlerError{Reason: fmt.Sprintf("handler panicked: %v", r)}
		}
	}()
	return handler.Run(tc)
}

func (e *Executor) startHeartbeat(ctx context.Context, taskID string) func() {
	if e.HeartbeatEvery <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		t := time.NewTicker(e.HeartbeatEvery)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := e.Tasks.Heartbeat(repos.DBContext{Ctx: ctx}, taskID); err != nil {
					e.Log.Warn("heartbeat failed", "task_id", taskID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func (e *Executor) handleSuccess(ctx context.Context, task *domain.Task, result tasktypes.TaskResult) {
	resultJSON, _ := json.Marshal(result.ResultData)
	var nextStageParamsJSON json.RawMessage
	if len(result.NextStageParams) > 0 {
		nextStageParamsJSON, _ = json.Marshal(result.NextStageParams)
	}
	e.complete(ctx, task, string(domain.TaskCompleted), resultJSON, "", nextStageParamsJSON)
}

func (e *Executor) handleFailure(ctx context.Context, task *domain.Task, handlerErr error) {
	class := errdomain.Classify(handlerErr)

	if !errdomain.Retryable(class) {
		e.failTerminal(ctx, task, handlerErr.Error())
		return
	}

	if task.RetryCount >= e.RetryBudget {
		e.failTerminal(ctx, task, fmt.Sprintf("retry budget exhausted: %v", handlerErr))
		return
	}

	if err := e.Tasks.MarkRetrying(repos.DBContext{Ctx: ctx}, task.TaskID, time.Now()); err != nil {
		e.Log.Warn("mark retrying failed", "task_id", task.TaskID, "error", err)
		return
	}
	delay := e.computeBackoff(task.RetryCount + 1)
	time.AfterFunc(delay, func() {
		if _, err := e.Tasks.RequeueToPendingRetry(repos.DBContext{Ctx: context.Background()}, task.TaskID); err != nil {
			e.Log.Warn("requeue to pending_retry failed", "task_id", task.TaskID, "error", err)
			return
		}
		if err := e.Broker.Publish(context.Background(), broker.QueueTasks, broker.Envelope{
			Kind:     broker.KindTaskStart,
			JobID:    task.ParentJobID,
			TaskID:   task.TaskID,
			TaskType: task.TaskType,
			Stage:    task.Stage,
		}); err != nil {
			e.Log.Warn("republish retried task failed, janitor will pick it up", "task_id", task.TaskID, "error", err)
		}
	})
}

func (e *Executor) failTerminal(ctx context.Context, task *domain.Task, reason string) {
	e.complete(ctx, task, string(domain.TaskFailed), nil, reason, nil)
}

func (e *Executor) complete(ctx context.Context, task *domain.Task, status string, resultData json.RawMessage, errorDetails string, nextStageParams json.RawMessage) {
	updated, isLast, _, err := e.Tasks.CompleteTaskAndCheckStage(
		repos.DBContext{Ctx: ctx}, task.TaskID, task.ParentJobID, task.Stage, status, resultData, errorDetails, nextStageParams)
	if err != nil {
		e.Log.Error("complete_task_and_check_stage failed", "task_id", task.TaskID, "error", err)
		return
	}
	if !updated {
		// Duplicate completion delivery; nothing left to do.
		return
	}
	if !isLast {
		return
	}

	if pubErr := e.Broker.Publish(ctx, broker.QueueStageDone, broker.Envelope{
		Kind:  broker.KindStageDone,
		JobID: task.ParentJobID,
		Stage: task.Stage,
	}); pubErr != nil {
		e.Log.Warn("publish StageDone failed, janitor stage-completion sweep will synthesize it", "job_id", task.ParentJobID, "stage", task.Stage, "error", pubErr)
	}
}

// computeBackoff is exponential with jitter, capped at BackoffMax.
func (e *Executor) computeBackoff(attempt int) time.Duration {
	base := e.BackoffBase
	if base <= 0 {
		base = time.Second
	}
	max := e.BackoffMax
	if max <= 0 {
		max = 5 * time.Minute
	}
	d := base << attempt
	if d <= 0 || d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2 + 1))
	return d/2 + jitter
}
