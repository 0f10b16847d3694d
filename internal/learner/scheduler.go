package learner

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Scheduler runs a Learner on a cron schedule. Overlapping runs are
// skipped.
type Scheduler struct {
	learner *Learner
	spec    string
	cron    *cron.Cron
	log     *zap.Logger
}

// NewScheduler validates spec (standard five-field or a descriptor such
// as "@every 6h") and creates a Scheduler.
func NewScheduler(l *Learner, spec string) (*Scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, eris.Wrapf(err, "learner: invalid schedule %q", spec)
	}
	return &Scheduler{
		learner: l,
		spec:    spec,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:     zap.L().With(zap.String("component", "learner.scheduler")),
	}, nil
}

// Run schedules the learner and blocks until ctx is done, then waits for an
// in-flight run to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	id, err := s.cron.AddFunc(s.spec, func() {
		reports, err := s.learner.Run(ctx)
		if err != nil {
			s.log.Error("learner: scheduled run failed", zap.Error(err))
			return
		}
		learned := 0
		for _, r := range reports {
			learned += r.Inserted
		}
		s.log.Info("learner: scheduled run complete",
			zap.Int("sources", len(reports)),
			zap.Int("inserted", learned),
		)
	})
	if err != nil {
		return eris.Wrap(err, "learner: schedule")
	}

	s.cron.Start()
	s.log.Info("learner: scheduler started",
		zap.String("schedule", s.spec),
		zap.Time("next_run", s.cron.Entry(id).Next),
	)

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("learner: scheduler stopped")
	return nil
}
