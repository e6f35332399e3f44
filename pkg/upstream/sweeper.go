package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultSweepInterval is how often expired sessions are removed.
const DefaultSweepInterval = time.Minute

// Sweeper deletes expired sessions on a fixed schedule.
type Sweeper struct {
	store    *Store
	interval time.Duration
	cron     *cron.Cron
	running  bool
}

// NewSweeper creates a sweeper for the store.
func NewSweeper(store *Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		cron:     cron.New(),
	}
}

// Start schedules the sweep and runs one pass immediately.
func (sw *Sweeper) Start() error {
	if sw.running {
		return fmt.Errorf("sweeper is already running")
	}

	spec := fmt.Sprintf("@every %s", sw.interval)
	if _, err := sw.cron.AddFunc(spec, sw.sweep); err != nil {
		return fmt.Errorf("failed to schedule session sweep: %w", err)
	}

	sw.sweep()
	sw.cron.Start()
	sw.running = true

	log.Info().Dur("interval", sw.interval).Msg("Session sweeper started")
	return nil
}

// Stop halts the schedule, waiting for an in-flight sweep to finish.
func (sw *Sweeper) Stop() {
	if !sw.running {
		return
	}
	<-sw.cron.Stop().Done()
	sw.running = false
	log.Info().Msg("Session sweeper stopped")
}

func (sw *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	swept, err := sw.store.DeleteExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Session sweep failed")
		return
	}
	if swept > 0 {
		log.Info().Int64("swept", swept).Msg("Expired upstream sessions removed")
	}
}
