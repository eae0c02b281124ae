package cards

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/exp/slog"

	"github.com/alovak/cardledger/cards/models"
	"github.com/alovak/cardledger/internal/audit"
	"github.com/alovak/cardledger/internal/expiry"
)

const sweepTimeout = 5 * time.Minute

// Sweeper expires cards whose validity period has passed. Sweeps are
// idempotent: a second run on the same day changes nothing.
type Sweeper struct {
	repo     *Repository
	audit    *audit.Recorder
	logger   *slog.Logger
	schedule string
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func NewSweeper(repo *Repository, recorder *audit.Recorder, schedule string, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		repo:     repo,
		audit:    recorder,
		logger:   logger.With(slog.String("component", "sweeper")),
		schedule: schedule,
		now:      time.Now,
	}
}

// Sweep expires every non-expired card whose validity period ended before
// today and returns how many cards changed.
func (s *Sweeper) Sweep(ctx context.Context, today time.Time) (int64, error) {
	today = expiry.Date(today)

	n, err := s.repo.ExpireCards(ctx, today)
	if err != nil {
		return 0, fmt.Errorf("sweeping expired cards: %w", err)
	}

	s.logger.Info("sweep finished", slog.String("today", expiry.FormatDate(today)), slog.Int64("expired", n))
	if n > 0 {
		s.audit.Record(audit.Entry{
			ActorID:   models.SystemActor.ID,
			ActorRole: models.SystemActor.Role,
			Action:    audit.ActionCardsExpired,
			EntityID:  "*",
			Details:   audit.Details("date", expiry.FormatDate(today), "count", strconv.FormatInt(n, 10)),
		})
	}
	return n, nil
}

// SweepNow sweeps with today taken from the clock in the issuer time zone.
func (s *Sweeper) SweepNow(ctx context.Context) (int64, error) {
	return s.Sweep(ctx, expiry.Today(s.now()))
}

// Start schedules SweepNow. Runs never overlap; a run still going when the
// next one is due makes the next one skip.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLocation(expiry.Location()),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	_, err := c.AddFunc(s.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := s.SweepNow(ctx); err != nil {
			s.logger.Error("scheduled sweep", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling sweep %q: %w", s.schedule, err)
	}

	c.Start()
	s.cron = c
	s.logger.Info("sweeper started", slog.String("schedule", s.schedule), slog.String("tz", expiry.Location().String()))
	return nil
}

// Stop unschedules the sweeper and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "err", err)...)
}
