// Package dispatcher connects the broker's JobStart/StageDone queues
// to the controller's lifecycle operations. Grounded on the teacher's
// internal/jobs/worker.Worker runLoop (poll, dispatch-by-type, recover
// panics into a terminal failure) but restructured around the broker's
// push-style Consume rather than a SQL poll loop, since spec.md §6
// puts job/stage transitions on the message broker and reserves SQL
// polling for the janitor alone.
package dispatcher

import (
	"context"
	"fmt"

	"github.com/geoflow/orchestrator/internal/broker"
	"github.com/geoflow/orchestrator/internal/logger"
)

// Controller is the narrow slice of *controller.Controller the
// dispatcher drives; kept as an interface so it can be exercised
// against a fake in tests without a real store/broker/registry.
type Controller interface {
	OnJobStart(ctx context.Context, jobID string) error
	OnStageDone(ctx context.Context, jobID string, stage int) error
}

// Dispatcher drains QueueJobs and QueueStageDone under one consumer
// group per queue, invoking the corresponding Controller operation for
// every delivered envelope.
type Dispatcher struct {
	Controller   Controller
	Consumer     broker.Consumer
	Log          *logger.Logger
	ConsumerName string
}

func New(c Controller, consumer broker.Consumer, consumerName string, log_ *logger.Logger) *Dispatcher {
	return &Dispatcher{
		Controller:   c,
		Consumer:     consumer,
		ConsumerName: consumerName,
		Log:          log_.With("component", "Dispatcher"),
	}
}

// Run launches the two consume loops and blocks until ctx is
// cancelled or either loop returns a non-context error.
func (d *Dispatcher) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		errCh <- d.Consumer.Consume(ctx, broker.QueueJobs, "dispatcher:jobs", d.ConsumerName, d.handleJobStart)
	}()
	go func() {
		errCh <- d.Consumer.Consume(ctx, broker.QueueStageDone, "dispatcher:stage-done", d.ConsumerName, d.handleStageDone)
	}()

	err := <-errCh
	if err != nil && ctx.Err() == nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (d *Dispatcher) handleJobStart(ctx context.Context, env broker.Envelope) error {
	if env.JobID == "" {
		return fmt.Errorf("job_start envelope missing job_id")
	}
	if err := d.Controller.OnJobStart(ctx, env.JobID); err != nil {
		d.Log.Error("on_job_start failed", "job_id", env.JobID, "error", err)
		return err
	}
	return nil
}

func (d *Dispatcher) handleStageDone(ctx context.Context, env broker.Envelope) error {
	if env.JobID == "" {
		return fmt.Errorf("stage_done envelope missing job_id")
	}
	if err := d.Controller.OnStageDone(ctx, env.JobID, env.Stage); err != nil {
		d.Log.Error("on_stage_done failed", "job_id", env.JobID, "stage", env.Stage, "error", err)
		return err
	}
	return nil
}
