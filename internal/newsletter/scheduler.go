package newsletter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/raybit/mailmate/internal/config"
	"github.com/raybit/mailmate/internal/pkg/logger"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

const runTimeout = 10 * time.Minute

// Scheduler fires the daily newsletter send on a cron schedule in a fixed
// timezone. Construction only validates; nothing runs until Start.
type Scheduler struct {
	ledger   *Ledger
	digest   *DigestBuilder
	sender   Sender
	schedule cron.Schedule
	loc      *time.Location

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func NewScheduler(cfg config.NewsletterConfig, ledger *Ledger, digest *DigestBuilder, sender Sender) (*Scheduler, error) {
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing schedule %q: %w", cfg.Schedule, err)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", cfg.Timezone, err)
	}

	return &Scheduler{
		ledger:   ledger,
		digest:   digest,
		sender:   sender,
		schedule: schedule,
		loc:      loc,
		stop:     make(chan struct{}),
	}, nil
}

// NextFire returns the next scheduled send after the given instant.
func (s *Scheduler) NextFire(after time.Time) time.Time {
	return s.schedule.Next(after.In(s.loc))
}

// Start launches the timer loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	logger.Info("newsletter: scheduler started",
		"nextFire", s.NextFire(time.Now()).Format(time.RFC3339))
}

// Stop halts the loop and waits for an in-flight send to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	for {
		timer := time.NewTimer(time.Until(s.NextFire(time.Now())))
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
			ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
			if err := s.RunOnce(ctx); err != nil {
				logger.Error("newsletter: scheduled send failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// RunOnce builds today's digest and sends it to every active subscriber.
// Per-recipient failures are logged and skipped; the run only fails as a
// whole when the digest cannot be built or the ledger cannot be read.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	recipients, err := s.ledger.Recipients(ctx)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		logger.Info("newsletter: no active subscribers, skipping send")
		return nil
	}

	digest, err := s.digest.Build(ctx, time.Now().In(s.loc))
	if err != nil {
		return err
	}

	sent := 0
	for _, to := range recipients {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.sender.Send(ctx, to, digest.Subject, digest.HTML); err != nil {
			logger.Warn("newsletter: delivery failed", "to", to, "error", err.Error())
			continue
		}
		sent++
	}

	logger.Info("newsletter: daily send complete", "recipients", len(recipients), "sent", sent)
	return nil
}
