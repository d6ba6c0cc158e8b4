package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/avrellis/modelsync/internal/collab"
	"github.com/avrellis/modelsync/pkg/logger"
)

const defaultSweepSpec = "@every 5m"

// MirrorSweeper is implemented by the Redis presence mirror.
type MirrorSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Sweeper runs periodic housekeeping: dropping rooms that sat empty past
// the grace period (backing up the registry's own destroy timers) and
// reconciling stale entries in the presence mirror.
type Sweeper struct {
	registry *collab.Registry
	mirror   MirrorSweeper
	cron     *cron.Cron
	spec     string
	log      *zap.Logger
}

// Option customises the Sweeper.
type Option func(*Sweeper)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(s *Sweeper) {
		if c != nil {
			s.cron = c
		}
	}
}

// WithSpec overrides the sweep schedule.
func WithSpec(spec string) Option {
	return func(s *Sweeper) {
		if spec != "" {
			s.spec = spec
		}
	}
}

// NewSweeper builds a sweeper over the room registry and an optional mirror.
func NewSweeper(registry *collab.Registry, mirror MirrorSweeper, opts ...Option) *Sweeper {
	s := &Sweeper{
		registry: registry,
		mirror:   mirror,
		cron:     cron.New(),
		spec:     defaultSweepSpec,
		log:      logger.WithModule("maintenance"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the sweep job and starts the scheduler.
func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.Run); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Run executes one sweep. Exposed so operators and tests can trigger it
// directly.
func (s *Sweeper) Run() {
	rooms := s.registry.Sweep()

	var errs error
	stale := 0
	if s.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := s.mirror.Sweep(ctx)
		stale = n
		errs = multierr.Append(errs, err)
	}

	if errs != nil {
		s.log.Warn("sweep completed with errors",
			zap.Int("rooms_removed", rooms),
			zap.Int("stale_presence_removed", stale),
			zap.Error(errs),
		)
		return
	}
	if rooms > 0 || stale > 0 {
		s.log.Info("sweep completed",
			zap.Int("rooms_removed", rooms),
			zap.Int("stale_presence_removed", stale),
		)
	}
}
