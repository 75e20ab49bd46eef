package controller

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/geoflow/orchestrator/internal/broker"
	"github.com/geoflow/orchestrator/internal/domain"
	"github.com/geoflow/orchestrator/internal/errdomain"
	"github.com/geoflow/orchestrator/internal/logger"
	"github.com/geoflow/orchestrator/internal/registry"
	"github.com/geoflow/orchestrator/internal/repos"
)

type fakeJobRepo struct {
	jobs map[string]*domain.Job
}

func newFakeJobRepo() *fakeJobRepo { return &fakeJobRepo{jobs: map[string]*domain.Job{}} }

func (f *fakeJobRepo) InsertJobIfAbsent(_ repos.DBContext, job *domain.Job) (bool, error) {
	if _, ok := f.jobs[job.JobID]; ok {
		return true, nil
	}
	cp := *job
	f.jobs[job.JobID] = &cp
	return false, nil
}

func (f *fakeJobRepo) GetJobByID(_ repos.DBContext, jobID string) (*domain.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (f *fakeJobRepo) TransitionToProcessing(_ repos.DBContext, jobID string) (bool, error) {
	j, ok := f.jobs[jobID]
	if !ok || j.Status != string(domain.JobQueued) {
		return false, nil
	}
	j.Status = string(domain.JobProcessing)
	return true, nil
}

func (f *fakeJobRepo) AdvanceJobStage(_ repos.DBContext, jobID string, currentStage int, stageResults json.RawMessage) (bool, int, bool, error) {
	j, ok := f.jobs[jobID]
	if !ok || j.Stage != currentStage {
		return false, currentStage, false, nil
	}
	j.Stage = currentStage + 1
	isFinal := j.Stage > j.TotalStages
	if isFinal {
		j.Status = string(domain.JobCompleted)
	}
	return true, j.Stage, isFinal, nil
}

func (f *fakeJobRepo) Finalize(_ repos.DBContext, jobID string, status string, resultData json.RawMessage, errorDetails string) error {
	j := f.jobs[jobID]
	j.Status = status
	j.ResultData = resultData
	j.ErrorDetails = errorDetails
	return nil
}

func (f *fakeJobRepo) FailJob(_ repos.DBContext, jobID string, errorDetails string) error {
	j := f.jobs[jobID]
	j.Status = string(domain.JobFailed)
	j.ErrorDetails = errorDetails
	return nil
}

func (f *fakeJobRepo) ListStuckQueued(_ repos.DBContext, olderThan time.Time) ([]*domain.Job, error) {
	return nil, nil
}

func (f *fakeJobRepo) ListProcessingWithDeadlinePassed(_ repos.DBContext, now time.Time) ([]*domain.Job, error) {
	return nil, nil
}

func (f *fakeJobRepo) ListProcessing(_ repos.DBContext) ([]*domain.Job, error) {
	return nil, nil
}

type fakeTaskRepo struct {
	tasksByStage map[int][]*domain.Task
}

func newFakeTaskRepo() *fakeTaskRepo { return &fakeTaskRepo{tasksByStage: map[int][]*domain.Task{}} }

func (f *fakeTaskRepo) InsertTaskBatch(_ repos.DBContext, tasks []*domain.Task) error {
	for _, t := range tasks {
		f.tasksByStage[t.Stage] = append(f.tasksByStage[t.Stage], t)
	}
	return nil
}
func (f *fakeTaskRepo) GetTaskByID(_ repos.DBContext, taskID string) (*domain.Task, error) {
	return nil, nil
}
func (f *fakeTaskRepo) GetStageTasks(_ repos.DBContext, jobID string, stage int) ([]*domain.Task, error) {
	return f.tasksByStage[stage], nil
}
func (f *fakeTaskRepo) ClaimTask(_ repos.DBContext, taskID string) (bool, error) { return true, nil }
func (f *fakeTaskRepo) CompleteTaskAndCheckStage(_ repos.DBContext, taskID, jobID string, stage int, status string, resultData json.RawMessage, errorDetails string, nextStageParams json.RawMessage) (bool, bool, int64, error) {
	return true, true, 0, nil
}
func (f *fakeTaskRepo) MarkRetrying(_ repos.DBContext, taskID string, nextAttemptAt time.Time) error {
	return nil
}
func (f *fakeTaskRepo) RequeueToPendingRetry(_ repos.DBContext, taskID string) (bool, error) {
	return true, nil
}
func (f *fakeTaskRepo) Heartbeat(_ repos.DBContext, taskID string) (bool, error) { return true, nil }
func (f *fakeTaskRepo) ClaimStaleHeartbeats(_ repos.DBContext, timeout time.Duration, maxAttempts int) ([]*domain.Task, error) {
	return nil, nil
}
func (f *fakeTaskRepo) ListOrphanedQueued(_ repos.DBContext, jobID string, stage int, olderThan time.Time) ([]*domain.Task, error) {
	return nil, nil
}
func (f *fakeTaskRepo) CountNonTerminalInStage(_ repos.DBContext, jobID string, stage int) (int64, error) {
	return 0, nil
}
func (f *fakeTaskRepo) CancelQueuedForJob(_ repos.DBContext, jobID string) error { return nil }

type fakeAPIRequestRepo struct{}

func (fakeAPIRequestRepo) InsertIfAbsent(_ repos.DBContext, req *domain.APIRequest) (bool, error) {
	return false, nil
}
func (fakeAPIRequestRepo) GetByRequestID(_ repos.DBContext, requestID string) (*domain.APIRequest, error) {
	return nil, nil
}

type fakePublisher struct {
	published []broker.Envelope
}

func (f *fakePublisher) Publish(_ context.Context, queue broker.Queue, env broker.Envelope) error {
	env.Queue = queue
	f.published = append(f.published, env)
	return nil
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.NewRegistry()
	err := reg.Register(registry.JobDefinition{
		JobType:     "vector_ingest",
		TotalStages: 2,
		Schema: registry.ParameterSchema{Fields: []registry.FieldSpec{
			{Name: "source_uri", Type: registry.FieldString, Required: true},
		}},
		Plan: func(jobID string, stage int, parameters map[string]any, prior map[string]any) ([]registry.TaskSpec, error) {
			return []registry.TaskSpec{{TaskType: "ingest_tile", IndexToken: "0"}}, nil
		},
		Finalize: func(parameters map[string]any, stageResultsSoFar map[string]any) (map[string]any, error) {
			return map[string]any{"done": true}, nil
		},
	})
	require.NoError(t, err)
	return reg
}

func newTestController(t *testing.T) (*Controller, *fakeJobRepo, *fakeTaskRepo, *fakePublisher) {
	jobs := newFakeJobRepo()
	tasks := newFakeTaskRepo()
	pub := &fakePublisher{}
	c := New(jobs, tasks, fakeAPIRequestRepo{}, pub, testRegistry(t), logger.New("test"))
	return c, jobs, tasks, pub
}

func TestSubmit_NewJob(t *testing.T) {
	c, jobs, _, pub := newTestController(t)
	res, err := c.Submit(context.Background(), "vector_ingest", map[string]any{"source_uri": "s3://b/k"})
	require.NoError(t, err)
	require.False(t, res.AlreadyExisted)
	require.Len(t, jobs.jobs, 1)
	require.Len(t, pub.published, 1)
	require.Equal(t, broker.KindJobStart, pub.published[0].Kind)
}

func TestSubmit_UnknownJobType(t *testing.T) {
	c, _, _, _ := newTestController(t)
	_, err := c.Submit(context.Background(), "nonsense", map[string]any{})
	var uj *errdomain.UnknownJobType
	require.ErrorAs(t, err, &uj)
}

func TestSubmit_ValidationFailure(t *testing.T) {
	c, _, _, _ := newTestController(t)
	_, err := c.Submit(context.Background(), "vector_ingest", map[string]any{})
	var ve *errdomain.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestSubmit_Idempotent(t *testing.T) {
	c, _, _, pub := newTestController(t)
	params := map[string]any{"source_uri": "s3://b/k"}
	first, err := c.Submit(context.Background(), "vector_ingest", params)
	require.NoError(t, err)
	require.False(t, first.AlreadyExisted)

	second, err := c.Submit(context.Background(), "vector_ingest", params)
	require.NoError(t, err)
	require.True(t, second.AlreadyExisted)
	require.Equal(t, first.JobID, second.JobID)
	require.Len(t, pub.published, 1, "a duplicate submit must not re-publish JobStart")
}

func TestOnJobStart_SeedsStageOne(t *testing.T) {
	c, jobs, tasks, pub := newTestController(t)
	res, err := c.Submit(context.Background(), "vector_ingest", map[string]any{"source_uri": "s3://b/k"})
	require.NoError(t, err)

	err = c.OnJobStart(context.Background(), res.JobID)
	require.NoError(t, err)

	require.Equal(t, string(domain.JobProcessing), jobs.jobs[res.JobID].Status)
	require.Len(t, tasks.tasksByStage[1], 1)
	require.Len(t, pub.published, 2, "expect JobStart + one TaskStart")
}

func TestOnJobStart_DuplicateIsNoOp(t *testing.T) {
	c, jobs, tasks, _ := newTestController(t)
	res, err := c.Submit(context.Background(), "vector_ingest", map[string]any{"source_uri": "s3://b/k"})
	require.NoError(t, err)
	require.NoError(t, c.OnJobStart(context.Background(), res.JobID))
	require.NoError(t, c.OnJobStart(context.Background(), res.JobID))

	require.Len(t, tasks.tasksByStage[1], 1, "duplicate on_job_start must not reseed stage 1")
	require.Equal(t, string(domain.JobProcessing), jobs.jobs[res.JobID].Status)
}

func TestOnStageDone_AdvancesAndSeedsNextStage(t *testing.T) {
	c, jobs, tasks, _ := newTestController(t)
	res, err := c.Submit(context.Background(), "vector_ingest", map[string]any{"source_uri": "s3://b/k"})
	require.NoError(t, err)
	require.NoError(t, c.OnJobStart(context.Background(), res.JobID))

	err = c.OnStageDone(context.Background(), res.JobID, 1)
	require.NoError(t, err)

	require.Equal(t, 2, jobs.jobs[res.JobID].Stage)
	require.Len(t, tasks.tasksByStage[2], 1)
	require.NotEqual(t, string(domain.JobCompleted), jobs.jobs[res.JobID].Status)
}

func TestOnStageDone_FinalStageCompletesJob(t *testing.T) {
	c, jobs, _, _ := newTestController(t)
	res, err := c.Submit(context.Background(), "vector_ingest", map[string]any{"source_uri": "s3://b/k"})
	require.NoError(t, err)
	require.NoError(t, c.OnJobStart(context.Background(), res.JobID))
	require.NoError(t, c.OnStageDone(context.Background(), res.JobID, 1))

	err = c.OnStageDone(context.Background(), res.JobID, 2)
	require.NoError(t, err)
	require.Equal(t, string(domain.JobCompleted), jobs.jobs[res.JobID].Status)
}
