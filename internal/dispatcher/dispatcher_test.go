package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/geoflow/orchestrator/internal/broker"
	"github.com/geoflow/orchestrator/internal/logger"
)

type fakeController struct {
	jobStarted  []string
	stagesDone  []int
	jobStartErr error
	stageDoneErr error
}

func (f *fakeController) OnJobStart(_ context.Context, jobID string) error {
	f.jobStarted = append(f.jobStarted, jobID)
	return f.jobStartErr
}

func (f *fakeController) OnStageDone(_ context.Context, jobID string, stage int) error {
	f.stagesDone = append(f.stagesDone, stage)
	return f.stageDoneErr
}

// fakeConsumer invokes the handler once per queue with a canned
// envelope rather than actually draining a broker.
type fakeConsumer struct {
	envelopes map[broker.Queue]broker.Envelope
}

func (f *fakeConsumer) Consume(ctx context.Context, queue broker.Queue, group, consumerName string, handler broker.HandlerFunc) error {
	env, ok := f.envelopes[queue]
	if !ok {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := handler(ctx, env); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestDispatcher_RoutesJobStartToOnJobStart(t *testing.T) {
	ctrl := &fakeController{}
	consumer := &fakeConsumer{envelopes: map[broker.Queue]broker.Envelope{
		broker.QueueJobs: {Kind: broker.KindJobStart, JobID: "job1"},
	}}
	d := New(ctrl, consumer, "worker-1", logger.New("test"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = d.Run(ctx)

	require.Equal(t, []string{"job1"}, ctrl.jobStarted)
}

func TestDispatcher_RoutesStageDoneToOnStageDone(t *testing.T) {
	ctrl := &fakeController{}
	consumer := &fakeConsumer{envelopes: map[broker.Queue]broker.Envelope{
		broker.QueueStageDone: {Kind: broker.KindStageDone, JobID: "job1", Stage: 2},
	}}
	d := New(ctrl, consumer, "worker-1", logger.New("test"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = d.Run(ctx)

	require.Equal(t, []int{2}, ctrl.stagesDone)
}

func TestHandleJobStart_MissingJobIDErrors(t *testing.T) {
	ctrl := &fakeController{}
	d := New(ctrl, &fakeConsumer{}, "worker-1", logger.New("test"))
	err := d.handleJobStart(context.Background(), broker.Envelope{})
	require.Error(t, err)
}

func TestHandleStageDone_MissingJobIDErrors(t *testing.T) {
	ctrl := &fakeController{}
	d := New(ctrl, &fakeConsumer{}, "worker-1", logger.New("test"))
	err := d.handleStageDone(context.Background(), broker.Envelope{})
	require.Error(t, err)
}
