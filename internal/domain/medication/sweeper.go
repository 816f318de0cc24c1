package medication

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// CompletionSweeper runs CompleteExpired on a cron schedule.
type CompletionSweeper struct {
	svc      *Service
	schedule string
	limit    int
	cron     *cron.Cron
	logger   *zap.Logger
}

// NewCompletionSweeper creates a sweeper completing at most limit orders per
// run (0 means no limit).
func NewCompletionSweeper(svc *Service, schedule string, limit int, logger *zap.Logger) *CompletionSweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if schedule == "" {
		schedule = "@daily"
	}
	return &CompletionSweeper{
		svc:      svc,
		schedule: schedule,
		limit:    limit,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   logger,
	}
}

// Start schedules the sweep.
func (s *CompletionSweeper) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("invalid completion schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("Completion sweeper started", zap.String("schedule", s.schedule))
	return nil
}

// Stop waits for a running sweep to finish.
func (s *CompletionSweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *CompletionSweeper) run(ctx context.Context) {
	if _, err := s.svc.CompleteExpired(ctx, s.limit); err != nil {
		s.logger.Error("Completion sweep failed", zap.Error(err))
	}
}
