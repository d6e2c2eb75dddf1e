package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/his0si/retriever-project-lite/internal/tasks"
)

var taskColumns = []string{
	"id", "kind", "status", "attempts", "params", "result", "error", "created_at", "started_at", "finished_at",
}

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewWithPool(mock)
}

func TestCreateInsertsRow(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	now := time.Unix(1700000000, 0).UTC()
	task := tasks.Task{
		ID:        "task-1",
		Kind:      tasks.KindCrawl,
		Status:    tasks.StatusQueued,
		Params:    tasks.Params{RootURL: "https://example.ac.kr", MaxDepth: 2},
		CreatedAt: now,
	}

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs("task-1", "crawl", "queued", 0,
			[]byte(`{"root_url":"https://example.ac.kr","max_depth":2}`), nil, "", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Create(context.Background(), task))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDuplicate(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := store.Create(context.Background(), tasks.New(tasks.KindCrawl, tasks.Params{}, time.Now()))
	assert.ErrorIs(t, err, tasks.ErrExists)
}

func TestGetScansRow(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	created := time.Unix(1700000000, 0).UTC()
	started := created.Add(time.Second)
	var finished *time.Time

	rows := mock.NewRows(taskColumns).AddRow(
		"task-2", "process_url", "running", 2,
		[]byte(`{"url":"https://example.ac.kr/notice/1"}`), []byte(nil), "",
		created, &started, finished,
	)
	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id").WithArgs("task-2").WillReturnRows(rows)

	got, err := store.Get(context.Background(), "task-2")
	require.NoError(t, err)
	assert.Equal(t, tasks.KindProcessURL, got.Kind)
	assert.Equal(t, tasks.StatusRunning, got.Status)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "https://example.ac.kr/notice/1", got.Params.URL)
	assert.Nil(t, got.Result)
	assert.Equal(t, created, got.CreatedAt)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, started, *got.StartedAt)
	assert.Nil(t, got.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	mock.ExpectQuery("SELECT (.+) FROM tasks WHERE id").
		WithArgs("missing").
		WillReturnRows(mock.NewRows(taskColumns))

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, tasks.ErrNotFound)
}

func TestStartAndFinish(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)
	at := time.Unix(1700000100, 0).UTC()
	result := json.RawMessage(`{"total_urls_found":12}`)

	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs("running", 1, at, "task-3").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs("succeeded", []byte(result), "", at, "task-3").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	ctx := context.Background()
	require.NoError(t, store.Start(ctx, "task-3", 1, at))
	require.NoError(t, store.Finish(ctx, "task-3", tasks.StatusSucceeded, result, "", at))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateErrors(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "task-4").
		WillReturnError(errors.New("connection reset"))

	assert.ErrorIs(t, store.Start(ctx, "gone", 1, time.Now()), tasks.ErrNotFound)
	err := store.Finish(ctx, "task-4", tasks.StatusFailed, nil, "boom", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tasks").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInterruptFailsOpenTasks(t *testing.T) {
	t.Parallel()
	mock, store := newMock(t)

	at := time.Unix(1700000000, 0).UTC()
	mock.ExpectExec("UPDATE tasks SET status").
		WithArgs("failed", tasks.ReasonInterrupted, at, "queued", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := store.Interrupt(context.Background(), tasks.ReasonInterrupted, at)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
