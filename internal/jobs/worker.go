package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// defaultPollInterval is used when no poll interval is configured.
const defaultPollInterval = 2500 * time.Millisecond

// Worker polls the job store on a fixed interval, processing one job per
// tick. Multiple workers across processes are safe; the store's claim
// guarantees each job runs exactly once. The running state is an explicit
// field so separate instances never share it.
type Worker struct {
	store    *Store
	interval time.Duration

	mu      sync.Mutex
	running bool
}

// NewWorker creates a new polling worker.
func NewWorker(store *Store, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Worker{
		store:    store,
		interval: interval,
	}
}

// Run polls until the context is cancelled. Per-job failures are recorded
// on the job row and never stop the loop; only claim infrastructure
// errors are logged here.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.New("job worker is already running")
	}
	w.running = true
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
	}()

	log.Info().Dur("interval", w.interval).Msg("Starting import job worker")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Import job worker stopping")
			return nil
		case <-ticker.C:
			processed, err := w.store.ProcessOne(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Failed to poll import job queue")
				continue
			}
			if processed {
				log.Debug().Msg("Processed one import job")
			}
		}
	}
}
