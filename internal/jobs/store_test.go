package jobs

import (
	"context"
	"testing"
	"time"

	"example.com/backstage/services/possync/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// newMockedStore builds a store over a mocked Postgres connection with the
// lazy table bootstrap already satisfied.
func newMockedStore(t *testing.T, importer ImportRunner) (*Store, sqlmock.Sqlmock) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)

	store := NewStore(db, importer, nil)
	store.bootstrapOnce.Do(func() {})
	return store, mock
}

func TestClampPeriodTruncatesLongWindows(t *testing.T) {
	to := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	from := to.AddDate(0, 0, -45)

	effectiveFrom, effectiveTo, truncated := ClampPeriod(from, to)

	require.True(t, truncated)
	require.Equal(t, to, effectiveTo)
	require.Equal(t, to.AddDate(0, 0, -maxPeriodDays), effectiveFrom)
}

func TestClampPeriodKeepsShortWindows(t *testing.T) {
	to := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	from := to.AddDate(0, 0, -10)

	effectiveFrom, effectiveTo, truncated := ClampPeriod(from, to)

	require.False(t, truncated)
	require.Equal(t, from, effectiveFrom)
	require.Equal(t, to, effectiveTo)
}

func TestClampPeriodKeepsExactMaximum(t *testing.T) {
	to := time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC)
	from := to.AddDate(0, 0, -maxPeriodDays)

	_, _, truncated := ClampPeriod(from, to)

	require.False(t, truncated)
}

func TestLookbackDaysForRoundsUp(t *testing.T) {
	require.Equal(t, 5, lookbackDaysFor(time.Now().Add(-100*time.Hour)))
}

func TestLookbackDaysForFloorsAtOne(t *testing.T) {
	require.Equal(t, 1, lookbackDaysFor(time.Now().Add(time.Hour)))
	require.Equal(t, 1, lookbackDaysFor(time.Now().Add(-time.Hour)))
}

func TestLookbackDaysForCapsAtMaximum(t *testing.T) {
	require.Equal(t, maxPeriodDays, lookbackDaysFor(time.Now().AddDate(0, -6, 0)))
}

func TestDequeueNextClaimsOldestQueuedJob(t *testing.T) {
	store, mock := newMockedStore(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "import_jobs" WHERE status = .* ORDER BY created_at ASC.* FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "requested_by"}).
			AddRow(42, models.JobStatusQueued, "bot"))
	mock.ExpectExec(`UPDATE "import_jobs" SET "status"=`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	job, err := store.DequeueNext(context.Background())

	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, uint(42), job.ID)
	require.Equal(t, models.JobStatusRunning, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueNextReturnsNilOnEmptyQueue(t *testing.T) {
	store, mock := newMockedStore(t, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "import_jobs"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	job, err := store.DequeueNext(context.Background())

	require.NoError(t, err)
	require.Nil(t, job)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueNextSkipsRowsClaimedElsewhere(t *testing.T) {
	store, mock := newMockedStore(t, nil)

	// First caller claims the only queued job.
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(7, models.JobStatusQueued))
	mock.ExpectExec(`UPDATE "import_jobs" SET "status"=`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Second caller sees nothing: the row is locked or already running.
	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	first, err := store.DequeueNext(context.Background())
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := store.DequeueNext(context.Background())
	require.NoError(t, err)
	require.Nil(t, second)
	require.NoError(t, mock.ExpectationsWereMet())
}

// cancellingRunner simulates a shutdown arriving while a job runs.
type cancellingRunner struct {
	cancel context.CancelFunc
}

func (r cancellingRunner) Run(ctx context.Context, lookbackDays int, outletIDs []string) (*models.ImportResult, error) {
	r.cancel()
	return nil, ctx.Err()
}

func TestProcessOneRecordsErrorAfterShutdownCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, mock := newMockedStore(t, cancellingRunner{cancel: cancel})

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(7, models.JobStatusQueued))
	mock.ExpectExec(`UPDATE "import_jobs" SET "status"=`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// The error write still lands after the worker context is cancelled.
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "import_jobs" SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	processed, err := store.ProcessOne(ctx)

	require.NoError(t, err)
	require.True(t, processed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunJobWithoutImporterFails(t *testing.T) {
	store := &Store{}

	_, err := store.runJob(context.Background(), &models.ImportJob{})

	require.Error(t, err)
	require.Contains(t, err.Error(), "no import runner")
}

type panickingRunner struct{}

func (panickingRunner) Run(ctx context.Context, lookbackDays int, outletIDs []string) (*models.ImportResult, error) {
	panic("importer exploded")
}

func TestRunJobRecoversFromPanic(t *testing.T) {
	store := &Store{importer: panickingRunner{}}

	_, err := store.runJob(context.Background(), &models.ImportJob{
		EffectiveFrom: time.Now().AddDate(0, 0, -1),
	})

	require.Error(t, err)
	require.Contains(t, err.Error(), "panicked")
}

func TestRunJobRejectsCorruptOutletFilter(t *testing.T) {
	store := &Store{importer: panickingRunner{}}

	_, err := store.runJob(context.Background(), &models.ImportJob{
		OutletIDs: []byte("{not json"),
	})

	require.Error(t, err)
}
