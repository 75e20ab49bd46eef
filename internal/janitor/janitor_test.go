package janitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/geoflow/orchestrator/internal/broker"
	"github.com/geoflow/orchestrator/internal/domain"
	"github.com/geoflow/orchestrator/internal/logger"
	"github.com/geoflow/orchestrator/internal/repos"
)

type fakeJobRepo struct {
	jobs             map[string]*domain.Job
	stuckQueued      []*domain.Job
	processing       []*domain.Job
	pastDeadline     []*domain.Job
	failed           []string
	cancelledTasksOf []string
}

func (f *fakeJobRepo) InsertJobIfAbsent(_ repos.DBContext, job *domain.Job) (bool, error) {
	return false, nil
}
func (f *fakeJobRepo) GetJobByID(_ repos.DBContext, jobID string) (*domain.Job, error) {
	return f.jobs[jobID], nil
}
func (f *fakeJobRepo) TransitionToProcessing(_ repos.DBContext, jobID string) (bool, error) {
	return false, nil
}
func (f *fakeJobRepo) AdvanceJobStage(_ repos.DBContext, jobID string, currentStage int, stageResults json.RawMessage) (bool, int, bool, error) {
	return false, currentStage, false, nil
}
func (f *fakeJobRepo) Finalize(_ repos.DBContext, jobID string, status string, resultData json.RawMessage, errorDetails string) error {
	return nil
}
func (f *fakeJobRepo) FailJob(_ repos.DBContext, jobID string, errorDetails string) error {
	f.failed = append(f.failed, jobID)
	return nil
}
func (f *fakeJobRepo) ListStuckQueued(_ repos.DBContext, olderThan time.Time) ([]*domain.Job, error) {
	return f.stuckQueued, nil
}
func (f *fakeJobRepo) ListProcessingWithDeadlinePassed(_ repos.DBContext, now time.Time) ([]*domain.Job, error) {
	return f.pastDeadline, nil
}
func (f *fakeJobRepo) ListProcessing(_ repos.DBContext) ([]*domain.Job, error) {
	return f.processing, nil
}

type fakeTaskRepo struct {
	staleReclaimed []*domain.Task
	orphaned       map[string][]*domain.Task
	nonTerminal    map[string]int64
	cancelledFor   []string
}

func (f *fakeTaskRepo) InsertTaskBatch(_ repos.DBContext, tasks []*domain.Task) error { return nil }
func (f *fakeTaskRepo) GetTaskByID(_ repos.DBContext, taskID string) (*domain.Task, error) {
	return nil, nil
}
func (f *fakeTaskRepo) GetStageTasks(_ repos.DBContext, jobID string, stage int) ([]*domain.Task, error) {
	return nil, nil
}
func (f *fakeTaskRepo) ClaimTask(_ repos.DBContext, taskID string) (bool, error) { return false, nil }
func (f *fakeTaskRepo) CompleteTaskAndCheckStage(_ repos.DBContext, taskID, jobID string, stage int, status string, resultData json.RawMessage, errorDetails string, nextStageParams json.RawMessage) (bool, bool, int64, error) {
	return false, false, 0, nil
}
func (f *fakeTaskRepo) MarkRetrying(_ repos.DBContext, taskID string, nextAttemptAt time.Time) error {
	return nil
}
func (f *fakeTaskRepo) RequeueToPendingRetry(_ repos.DBContext, taskID string) (bool, error) {
	return false, nil
}
func (f *fakeTaskRepo) Heartbeat(_ repos.DBContext, taskID string) (bool, error) { return false, nil }
func (f *fakeTaskRepo) ClaimStaleHeartbeats(_ repos.DBContext, timeout time.Duration, maxAttempts int) ([]*domain.Task, error) {
	return f.staleReclaimed, nil
}
func (f *fakeTaskRepo) ListOrphanedQueued(_ repos.DBContext, jobID string, stage int, olderThan time.Time) ([]*domain.Task, error) {
	return f.orphaned[jobID], nil
}
func (f *fakeTaskRepo) CountNonTerminalInStage(_ repos.DBContext, jobID string, stage int) (int64, error) {
	return f.nonTerminal[jobID], nil
}
func (f *fakeTaskRepo) CancelQueuedForJob(_ repos.DBContext, jobID string) error {
	f.cancelledFor = append(f.cancelledFor, jobID)
	return nil
}

type fakePublisher struct {
	published []broker.Envelope
}

func (f *fakePublisher) Publish(_ context.Context, queue broker.Queue, env broker.Envelope) error {
	env.Queue = queue
	f.published = append(f.published, env)
	return nil
}

func TestReclaimStaleHeartbeats_RepublishesPendingRetry(t *testing.T) {
	jobs := &fakeJobRepo{}
	tasks := &fakeTaskRepo{staleReclaimed: []*domain.Task{
		{TaskID: "t1", ParentJobID: "job1", Stage: 1, TaskType: "ingest_tile", Status: string(domain.TaskPendingRetry)},
		{TaskID: "t2", ParentJobID: "job1", Stage: 1, TaskType: "ingest_tile", Status: string(domain.TaskFailed)},
	}}
	pub := &fakePublisher{}
	s := &Sweeper{Jobs: jobs, Tasks: tasks, Broker: pub, Log: logger.New("test")}

	n, err := s.reclaimStaleHeartbeats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, pub.published, 1, "only the re-queued task should be republished, not the one that was failed outright")
	require.Equal(t, "t1", pub.published[0].TaskID)
}

func TestRepublishStuckQueuedJobs(t *testing.T) {
	jobs := &fakeJobRepo{stuckQueued: []*domain.Job{{JobID: "job1", JobType: "vector_ingest"}}}
	tasks := &fakeTaskRepo{}
	pub := &fakePublisher{}
	s := &Sweeper{Jobs: jobs, Tasks: tasks, Broker: pub, Log: logger.New("test")}

	n, err := s.republishStuckQueuedJobs(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, broker.KindJobStart, pub.published[0].Kind)
}

func TestRepublishOrphanedQueuedTasks(t *testing.T) {
	jobs := &fakeJobRepo{processing: []*domain.Job{{JobID: "job1", Stage: 2}}}
	tasks := &fakeTaskRepo{orphaned: map[string][]*domain.Task{
		"job1": {{TaskID: "t9", ParentJobID: "job1", Stage: 2, TaskType: "ingest_tile"}},
	}}
	pub := &fakePublisher{}
	s := &Sweeper{Jobs: jobs, Tasks: tasks, Broker: pub, Log: logger.New("test"), OrphanedTaskAge: time.Minute}

	n, err := s.republishOrphanedQueuedTasks(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "t9", pub.published[0].TaskID)
}

func TestSynthesizeMissingStageDone_OnlyWhenStageDrained(t *testing.T) {
	jobs := &fakeJobRepo{processing: []*domain.Job{{JobID: "job1", Stage: 1}, {JobID: "job2", Stage: 1}}}
	tasks := &fakeTaskRepo{nonTerminal: map[string]int64{"job1": 0, "job2": 2}}
	pub := &fakePublisher{}
	s := &Sweeper{Jobs: jobs, Tasks: tasks, Broker: pub, Log: logger.New("test")}

	n, err := s.synthesizeMissingStageDone(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "job1", pub.published[0].JobID)
}

func TestFailPastDeadlineJobs(t *testing.T) {
	jobs := &fakeJobRepo{pastDeadline: []*domain.Job{{JobID: "job1"}}}
	tasks := &fakeTaskRepo{}
	pub := &fakePublisher{}
	s := &Sweeper{Jobs: jobs, Tasks: tasks, Broker: pub, Log: logger.New("test")}

	n, err := s.failPastDeadlineJobs(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"job1"}, jobs.failed)
	require.Equal(t, []string{"job1"}, tasks.cancelledFor)
}
