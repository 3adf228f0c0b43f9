package store

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amarvote/orchestrator-core/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestCountCastBallots(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM ballots").
		WithArgs("election-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	count, err := s.CountCastBallots(context.Background(), "election-1")
	require.NoError(t, err)
	assert.Equal(t, 42, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHasExistingChunking(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("election-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	exists, err := s.HasExistingChunking(context.Background(), "election-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestInsertChunks_OneTransactionForAllRows(t *testing.T) {
	s, mock := newMockStore(t)
	chunks := []domain.Chunk{
		{ID: "c1", ElectionID: "e1", Ordinal: 0},
		{ID: "c2", ElectionID: "e1", Ordinal: 1},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO chunks")
	prep.ExpectExec().WithArgs("c1", "e1", 0).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs("c2", "e1", 1).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err := s.InsertChunks(context.Background(), chunks)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPartialShare_DuplicateIsNoOp(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO partial_shares").
		WillReturnError(&mysql.MySQLError{Number: mysqlDuplicateEntry, Message: "Duplicate entry"})

	err := s.InsertPartialShare(context.Background(), domain.PartialShare{
		ElectionID: "e1", ChunkID: "c1", GuardianID: "g1", Share: "share",
	})
	assert.NoError(t, err, "duplicate partial share insert must succeed as a no-op")
}

func TestInsertPartialShare_OtherErrorPropagates(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO partial_shares").
		WillReturnError(&mysql.MySQLError{Number: 1040, Message: "too many connections"})

	err := s.InsertPartialShare(context.Background(), domain.PartialShare{
		ElectionID: "e1", ChunkID: "c1", GuardianID: "g1", Share: "share",
	})
	assert.Error(t, err)
}

func TestIncrementJobProgress_MarksCompletedOnLastChunk(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs SET processed_chunks = processed_chunks \\+ 1").
		WithArgs("job-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT processed_chunks, failed_chunks, total_chunks, state FROM jobs").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"processed_chunks", "failed_chunks", "total_chunks", "state"}).
			AddRow(3, 0, 3, "IN_PROGRESS"))
	mock.ExpectExec("UPDATE jobs SET state = \\?, completed_at = NOW\\(\\)").
		WithArgs(domain.JobCompleted, "job-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	progress, err := s.IncrementJobProgress(context.Background(), "job-1", false)
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, progress.State)
	assert.Equal(t, 3, progress.ProcessedChunks)
}

func TestIncrementJobProgress_NotYetCompleteLeavesStateAlone(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE jobs SET processed_chunks = processed_chunks \\+ 1").
		WithArgs("job-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT processed_chunks, failed_chunks, total_chunks, state FROM jobs").
		WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"processed_chunks", "failed_chunks", "total_chunks", "state"}).
			AddRow(1, 0, 3, "IN_PROGRESS"))
	mock.ExpectCommit()

	progress, err := s.IncrementJobProgress(context.Background(), "job-1", false)
	require.NoError(t, err)
	assert.Equal(t, domain.JobInProgress, progress.State)
}

func TestLoadJob_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, election_id, operation, state").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.LoadJob(context.Background(), "missing")
	require.Error(t, err)
}
