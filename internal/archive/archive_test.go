package archive

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/bus"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/core"
	"github.com/Clear-Learn-ai/clearlearn-ai-sub000/internal/events"
)

func newMockArchive(t *testing.T) (*Archive, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres")), mock
}

func deadLetter(id string) bus.DeadLetter {
	return bus.DeadLetter{
		Message: core.Message{
			ID:        id,
			Sender:    "tutor",
			Recipient: "visualizer",
			Kind:      core.KindRequest,
			Priority:  core.PriorityHigh,
			Payload:   map[string]any{"concept": "recursion"},
		},
		Error:     "Timeout after 3 retries",
		Retries:   3,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEnsureSchemaCreatesTable(t *testing.T) {
	a, mock := newMockArchive(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS dead_letters").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, a.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushInsertsEntriesInOneTransaction(t *testing.T) {
	a, mock := newMockArchive(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO dead_letters").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO dead_letters").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := a.Flush(context.Background(), []bus.DeadLetter{deadLetter("m-1"), deadLetter("m-2")})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushEmptyBatchSkipsDatabase(t *testing.T) {
	a, mock := newMockArchive(t)

	n, err := a.Flush(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushToleratesDuplicateRows(t *testing.T) {
	a, mock := newMockArchive(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO dead_letters").
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectExec("INSERT INTO dead_letters").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := a.Flush(context.Background(), []bus.DeadLetter{deadLetter("m-1"), deadLetter("m-2")})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the replayed row is skipped, not counted")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFlushRollsBackOnOtherErrors(t *testing.T) {
	a, mock := newMockArchive(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO dead_letters").
		WillReturnError(&pq.Error{Code: "42P01", Message: "relation does not exist"})
	mock.ExpectRollback()

	_, err := a.Flush(context.Background(), []bus.DeadLetter{deadLetter("m-1")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "m-1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDrainFromEmptiesQueueOnlyAfterFlush(t *testing.T) {
	rec := events.NewRecorder()
	b := bus.New(bus.Options{
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
		Emitter:        rec,
	})
	defer b.Close()

	_, err := b.Subscribe("visualizer", func(_ context.Context, _ core.Message) error {
		return core.NewError(core.ErrProvider, "permanent outage")
	})
	require.NoError(t, err)
	_, err = b.Route(context.Background(), core.Message{
		Sender:    "tutor",
		Recipient: "visualizer",
		Kind:      core.KindRequest,
		Priority:  core.PriorityHigh,
	})
	require.NoError(t, err)
	require.True(t, rec.WaitFor("message_dead_lettered", 1, 2*time.Second))

	dlq := b.DeadLetters()
	require.Equal(t, 1, dlq.Len())

	a, mock := newMockArchive(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO dead_letters").
		WillReturnError(&pq.Error{Code: "53300", Message: "too many connections"})
	mock.ExpectRollback()

	_, err = a.DrainFrom(context.Background(), dlq)
	require.Error(t, err)
	assert.Equal(t, 1, dlq.Len(), "failed flush leaves the queue intact")

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO dead_letters").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := a.DrainFrom(context.Background(), dlq)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, dlq.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}
