package jobs

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"example.com/backstage/services/possync/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxPeriodDays is the hard upper bound on one job's import window.
const maxPeriodDays = 31

// errNoQueuedJobs signals an empty queue inside the claim transaction.
var errNoQueuedJobs = errors.New("no queued jobs")

// ImportRunner runs the sales import pipeline over a look-back window.
type ImportRunner interface {
	Run(ctx context.Context, lookbackDays int, outletIDs []string) (*models.ImportResult, error)
}

// JobNotifier publishes a job-finished event for the requesting side.
type JobNotifier interface {
	NotifyJobFinished(ctx context.Context, job *models.ImportJob) error
}

// EnqueueResult reports the accepted job and its effective window.
type EnqueueResult struct {
	JobID         uint      `json:"job_id"`
	EffectiveFrom time.Time `json:"effective_from"`
	EffectiveTo   time.Time `json:"effective_to"`
	Truncated     bool      `json:"truncated"`
}

// Store is the durable queue of import requests. It is safe for any
// number of workers and processes to poll concurrently; each queued job is
// claimed exactly once.
type Store struct {
	db       *gorm.DB
	importer ImportRunner
	notifier JobNotifier

	bootstrapOnce sync.Once
	bootstrapErr  error
}

// NewStore creates a new import job store. The importer may be nil for
// enqueue-only callers (the API server); the notifier is optional.
func NewStore(db *gorm.DB, importer ImportRunner, notifier JobNotifier) *Store {
	return &Store{
		db:       db,
		importer: importer,
		notifier: notifier,
	}
}

// ensureSchema idempotently creates the job table and its indexes on
// first use. This is the only part of the import core allowed to create
// schema at runtime.
func (s *Store) ensureSchema() error {
	s.bootstrapOnce.Do(func() {
		if err := s.db.AutoMigrate(&models.ImportJob{}); err != nil {
			s.bootstrapErr = errors.Wrap(err, "failed to bootstrap import job table")
		}
	})
	return s.bootstrapErr
}

// ClampPeriod clamps a requested import window to the hard 31-day
// maximum by moving the start forward, never shrinking from the end.
func ClampPeriod(from, to time.Time) (time.Time, time.Time, bool) {
	limit := to.AddDate(0, 0, -maxPeriodDays)
	if from.Before(limit) {
		return limit, to, true
	}
	return from, to, false
}

// Enqueue accepts an import request, clamps its window and persists a
// queued job. A nil outlet id list means all bound outlets.
func (s *Store) Enqueue(ctx context.Context, requestedBy string, from, to time.Time, outletIDs []string) (*EnqueueResult, error) {
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, errors.Errorf("period end %s is before period start %s", to.Format("2006-01-02"), from.Format("2006-01-02"))
	}

	effectiveFrom, effectiveTo, truncated := ClampPeriod(from, to)

	job := models.ImportJob{
		RequestedBy:   requestedBy,
		PeriodFrom:    from,
		PeriodTo:      to,
		EffectiveFrom: effectiveFrom,
		EffectiveTo:   effectiveTo,
		Status:        models.JobStatusQueued,
	}
	if len(outletIDs) > 0 {
		encoded, err := json.Marshal(outletIDs)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode outlet id filter")
		}
		job.OutletIDs = encoded
	}

	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, errors.Wrap(err, "failed to enqueue import job")
	}

	log.Info().
		Uint("job_id", job.ID).
		Str("requested_by", requestedBy).
		Bool("truncated", truncated).
		Msg("Import job enqueued")

	return &EnqueueResult{
		JobID:         job.ID,
		EffectiveFrom: effectiveFrom,
		EffectiveTo:   effectiveTo,
		Truncated:     truncated,
	}, nil
}

// DequeueNext claims the oldest queued job, skipping rows already claimed
// by a concurrent transaction, and marks it running before releasing the
// lock. An empty queue returns (nil, nil).
func (s *Store) DequeueNext(ctx context.Context) (*models.ImportJob, error) {
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}

	var job models.ImportJob
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ?", models.JobStatusQueued).
			Order("created_at ASC").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errNoQueuedJobs
		}
		if err != nil {
			return err
		}

		return tx.Model(&job).Update("status", models.JobStatusRunning).Error
	})

	if errors.Is(err, errNoQueuedJobs) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim import job")
	}
	return &job, nil
}

// ProcessOne claims one job, runs the importer over its effective window
// and filter, and writes the outcome back to the job row. A claimed job
// whose processing fails is still marked error, never left running. The
// outcome write happens outside the claiming transaction.
func (s *Store) ProcessOne(ctx context.Context) (bool, error) {
	job, err := s.DequeueNext(ctx)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	// Outcome writes must survive a shutdown that cancels the worker's
	// context mid-job, or the claimed row would stay running forever.
	finishCtx := context.WithoutCancel(ctx)

	result, runErr := s.runJob(ctx, job)
	if runErr != nil {
		log.Error().Err(runErr).Uint("job_id", job.ID).Msg("Import job failed")
		s.finishWithError(finishCtx, job, runErr)
	} else {
		s.finishWithResult(finishCtx, job, result)
	}

	s.notify(finishCtx, job)
	return true, nil
}

// runJob executes the importer for one claimed job, converting panics
// into an error so the job is never left running.
func (s *Store) runJob(ctx context.Context, job *models.ImportJob) (result *models.ImportResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("import job panicked: %v", r)
		}
	}()

	if s.importer == nil {
		return nil, errors.New("store has no import runner configured")
	}

	filter, err := job.OutletFilter()
	if err != nil {
		return nil, err
	}

	return s.importer.Run(ctx, lookbackDaysFor(job.EffectiveFrom), filter)
}

// lookbackDaysFor converts an effective window start into the whole-day
// look-back the provider API consumes.
func lookbackDaysFor(effectiveFrom time.Time) int {
	days := int(math.Ceil(time.Since(effectiveFrom).Hours() / 24))
	if days < 1 {
		return 1
	}
	if days > maxPeriodDays {
		return maxPeriodDays
	}
	return days
}

func (s *Store) finishWithResult(ctx context.Context, job *models.ImportJob, result *models.ImportResult) {
	encoded, err := json.Marshal(result)
	if err != nil {
		s.finishWithError(ctx, job, errors.Wrap(err, "failed to encode job result"))
		return
	}

	err = s.db.WithContext(ctx).Model(job).Updates(map[string]interface{}{
		"status": models.JobStatusDone,
		"result": encoded,
	}).Error
	if err != nil {
		log.Error().Err(err).Uint("job_id", job.ID).Msg("Failed to record job result")
		return
	}
	job.Status = models.JobStatusDone
	job.Result = encoded

	log.Info().
		Uint("job_id", job.ID).
		Int("outlets_processed", result.OutletsProcessed).
		Int("documents", result.DocumentsUpserted).
		Msg("Import job done")
}

func (s *Store) finishWithError(ctx context.Context, job *models.ImportJob, runErr error) {
	message := runErr.Error()
	err := s.db.WithContext(ctx).Model(job).Updates(map[string]interface{}{
		"status":     models.JobStatusError,
		"last_error": message,
	}).Error
	if err != nil {
		log.Error().Err(err).Uint("job_id", job.ID).Msg("Failed to record job error")
		return
	}
	job.Status = models.JobStatusError
	job.LastError = &message
}

// notify publishes a job-finished event when a notifier is configured and
// the job names a requester.
func (s *Store) notify(ctx context.Context, job *models.ImportJob) {
	if s.notifier == nil || job.RequestedBy == "" {
		return
	}

	if err := s.notifier.NotifyJobFinished(ctx, job); err != nil {
		log.Warn().Err(err).Uint("job_id", job.ID).Msg("Failed to publish job-finished event")
		return
	}

	now := time.Now()
	if err := s.db.WithContext(ctx).Model(job).Update("notified_at", now).Error; err != nil {
		log.Warn().Err(err).Uint("job_id", job.ID).Msg("Failed to record notification time")
		return
	}
	job.NotifiedAt = &now
}

// GetJob reads one job by id for status display.
func (s *Store) GetJob(ctx context.Context, id uint) (*models.ImportJob, error) {
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}

	var job models.ImportJob
	if err := s.db.WithContext(ctx).First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to load import job")
	}
	return &job, nil
}
