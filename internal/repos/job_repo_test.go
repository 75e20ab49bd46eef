package repos

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/geoflow/orchestrator/internal/domain"
	"github.com/geoflow/orchestrator/internal/logger"
)

func newMockGormDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	gdb, err := gorm.Open(postgres.New(postgres.Config{
		Conn:                 mockDB,
		PreferSimpleProtocol: true,
	}), &gorm.Config{})
	require.NoError(t, err)
	return gdb, mock
}

func TestInsertJobIfAbsent_NewJob(t *testing.T) {
	gdb, mock := newMockGormDB(t)
	repo := NewJobRepo(gdb, logger.New("test"))

	mock.ExpectQuery(`SELECT \* FROM "jobs" WHERE job_id = \$1`).
		WithArgs("job123", 1).
		WillReturnError(gorm.ErrRecordNotFound)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "jobs"`).
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow("job123"))
	mock.ExpectCommit()

	job := &domain.Job{JobID: "job123", JobType: "vector_ingest", TotalStages: 2}
	existed, err := repo.InsertJobIfAbsent(DBContext{Ctx: context.Background()}, job)
	require.NoError(t, err)
	require.False(t, existed)
	require.Equal(t, string(domain.JobQueued), job.Status)
	require.Equal(t, 1, job.Stage)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertJobIfAbsent_AlreadyExists(t *testing.T) {
	gdb, mock := newMockGormDB(t)
	repo := NewJobRepo(gdb, logger.New("test"))

	mock.ExpectQuery(`SELECT \* FROM "jobs" WHERE job_id = \$1`).
		WithArgs("job123", 1).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "status"}).AddRow("job123", "processing"))

	job := &domain.Job{JobID: "job123", JobType: "vector_ingest", TotalStages: 2}
	existed, err := repo.InsertJobIfAbsent(DBContext{Ctx: context.Background()}, job)
	require.NoError(t, err)
	require.True(t, existed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionToProcessing(t *testing.T) {
	gdb, mock := newMockGormDB(t)
	repo := NewJobRepo(gdb, logger.New("test"))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "jobs" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	updated, err := repo.TransitionToProcessing(DBContext{Ctx: context.Background()}, "job123")
	require.NoError(t, err)
	require.True(t, updated)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceJobStage(t *testing.T) {
	gdb, mock := newMockGormDB(t)
	repo := NewJobRepo(gdb, logger.New("test"))

	mock.ExpectQuery(`SELECT updated, new_stage, is_final FROM advance_job_stage`).
		WithArgs("job123", 1, `{"tiles":3}`).
		WillReturnRows(sqlmock.NewRows([]string{"updated", "new_stage", "is_final"}).AddRow(true, 2, false))

	updated, newStage, isFinal, err := repo.AdvanceJobStage(DBContext{Ctx: context.Background()}, "job123", 1, []byte(`{"tiles":3}`))
	require.NoError(t, err)
	require.True(t, updated)
	require.Equal(t, 2, newStage)
	require.False(t, isFinal)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalize_GuardsAgainstTerminalStatus(t *testing.T) {
	gdb, mock := newMockGormDB(t)
	repo := NewJobRepo(gdb, logger.New("test"))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "jobs" SET .* WHERE job_id = \$\d AND status IN \(\$\d,\$\d\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.Finalize(DBContext{Ctx: context.Background()}, "job123", "completed", []byte(`{"ok":true}`), "")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailJob_GuardsAgainstTerminalStatus(t *testing.T) {
	gdb, mock := newMockGormDB(t)
	repo := NewJobRepo(gdb, logger.New("test"))

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "jobs" SET .* WHERE job_id = \$\d AND status IN \(\$\d,\$\d\)`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.FailJob(DBContext{Ctx: context.Background()}, "job123", "deadline exceeded")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListStuckQueued(t *testing.T) {
	gdb, mock := newMockGormDB(t)
	repo := NewJobRepo(gdb, logger.New("test"))

	mock.ExpectQuery(`SELECT \* FROM "jobs" WHERE status = \$1 AND created_at < \$2`).
		WillReturnRows(sqlmock.NewRows([]string{"job_id", "status"}).AddRow("job123", "queued"))

	jobs, err := repo.ListStuckQueued(DBContext{Ctx: context.Background()}, time.Now())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}
