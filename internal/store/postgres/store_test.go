package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/skrapp/skrapp/internal/crawler"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return NewWithPool(mock, fixedClock{now: now}), mock, now
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()
	st, mock, now := newMockStore(t)

	job := crawler.Job{
		ID: "job-1", TokenHash: "hash",
		Config: crawler.JobConfig{
			SeedURL: "https://docs.example.com/", AllowedHost: "docs.example.com",
			MaxPages: 100, TimeoutSeconds: 1800,
			IgnorePathPrefixes: []string{"/internal"},
		},
		CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs(
			"job-1", "hash", "https://docs.example.com/", "docs.example.com",
			100, 1800, `["/internal"]`, false, "queued", "unknown",
			now, now.Add(24*time.Hour),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, st.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueURLReportsDuplicate(t *testing.T) {
	t.Parallel()
	st, mock, now := newMockStore(t)

	mock.ExpectExec("INSERT INTO url_frontier").
		WithArgs("job-1", "https://a.test/x", "https://a.test/x", 1, -1, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	added, err := st.EnqueueURL(context.Background(), "job-1", "https://a.test/x", "https://a.test/x", 1, -1)
	require.NoError(t, err)
	require.True(t, added)

	// Conflict path: zero rows affected means the canonical URL was seen.
	mock.ExpectExec("INSERT INTO url_frontier").
		WithArgs("job-1", "https://a.test/x2", "https://a.test/x", 2, -2, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	added, err = st.EnqueueURL(context.Background(), "job-1", "https://a.test/x2", "https://a.test/x", 2, -2)
	require.NoError(t, err)
	require.False(t, added)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatNotFoundOnTerminalJob(t *testing.T) {
	t.Parallel()
	st, mock, now := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET heartbeat_at").
		WithArgs(now, 5, now, "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := st.Heartbeat(context.Background(), "job-1", 5, now)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStateValidatesTransition(t *testing.T) {
	t.Parallel()
	st, mock, now := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state FROM jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("queued"))
	mock.ExpectRollback()

	err := st.SetState(context.Background(), "job-1", crawler.JobDone, "")
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())

	// Legal transition updates the row and logs an event.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT state FROM jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"state"}).AddRow("running"))
	mock.ExpectExec("UPDATE jobs SET state").
		WithArgs("finalizing", "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO job_events").
		WithArgs("job-1", "info", "state_change", pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, st.SetState(context.Background(), "job-1", crawler.JobFinalizing, ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestCancelUnknownJob(t *testing.T) {
	t.Parallel()
	st, mock, _ := newMockStore(t)

	mock.ExpectExec("UPDATE jobs SET cancel_requested").
		WithArgs("missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.ErrorIs(t, st.RequestCancel(context.Background(), "missing"), crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExpireStaleLeasesCountsRows(t *testing.T) {
	t.Parallel()
	st, mock, now := newMockStore(t)

	mock.ExpectExec("UPDATE url_frontier SET state").
		WithArgs(now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := st.ExpireStaleLeases(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddArtifactUpserts(t *testing.T) {
	t.Parallel()
	st, mock, now := newMockStore(t)

	mock.ExpectExec("INSERT INTO job_artifacts").
		WithArgs("job-1", crawler.ArtifactPages, "/out/jobs/job-1/pages.jsonl", int64(42), "sha", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, st.AddArtifact(context.Background(), crawler.JobArtifact{
		JobID: "job-1", Kind: crawler.ArtifactPages,
		Path: "/out/jobs/job-1/pages.jsonl", ByteSize: 42, SHA256: "sha",
		CreatedAt: now,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}
