package history

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const sweepTimeout = 2 * time.Minute

// Sweeper runs the retention sweep on a cron schedule ("@hourly" by
// default in config). Stop must be called on shutdown.
type Sweeper struct {
	cron      *cron.Cron
	store     *Store
	retention time.Duration
	logger    *slog.Logger
}

// NewSweeper schedules retention sweeps of store. schedule accepts cron
// expressions and descriptors like "@hourly".
func NewSweeper(store *Store, schedule string, retention time.Duration, logger *slog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		cron:      cron.New(),
		store:     store,
		retention: retention,
		logger:    logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins scheduled sweeping. One sweep runs immediately so a client
// that never stays up long enough for the schedule still prunes.
func (s *Sweeper) Start() {
	s.cron.Start()
	go s.run()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	start := time.Now()
	n, err := s.store.Sweep(ctx, s.retention)
	if err != nil {
		s.logger.Warn("retention sweep failed", "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("retention sweep completed", "deleted", n, "duration", time.Since(start))
}
