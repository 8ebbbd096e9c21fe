package cron

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/monkeysworks/settlement/internal/service"
)

const sweepTimeout = 5 * time.Minute

// Scheduler drives the periodic settlement sweeps.
type Scheduler struct {
	cron   *cron.Cron
	sweeps *service.SweepService
	log    zerolog.Logger
}

func NewScheduler(sweeps *service.SweepService, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		sweeps: sweeps,
		log:    log,
	}
}

// Start registers the sweep jobs and launches the scheduler in its own
// goroutine.
func (s *Scheduler) Start() error {
	jobs := []struct {
		spec string
		name string
		run  func(context.Context)
	}{
		{"*/10 * * * *", "auto-accept milestones", s.sweeps.AutoAcceptMilestones},
		{"*/15 * * * *", "resolve lapsed disputes", s.sweeps.ResolveLapsedDisputes},
		{"*/5 * * * *", "expire stale escrow", s.sweeps.ExpireStaleEscrow},
		{"0 * * * *", "mark overdue invoices", s.sweeps.MarkOverdueInvoices},
	}

	for _, job := range jobs {
		job := job
		_, err := s.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
			defer cancel()
			s.log.Debug().Str("job", job.name).Msg("sweep started")
			job.run(ctx)
		})
		if err != nil {
			return err
		}
	}

	s.cron.Start()
	s.log.Info().Int("jobs", len(jobs)).Msg("sweep scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
