// Package scheduler — фоновые периодические задачи процесса:
// плановое перечитывание bearer token из файла помощника и
// снимок прогресса по леджерам в лог.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/soliqtools/checkedit/internal/config"
	"github.com/soliqtools/checkedit/internal/ledger"
	"github.com/soliqtools/checkedit/internal/session"
	"github.com/soliqtools/checkedit/internal/telemetry"
)

// Scheduler владеет cron-планировщиком и его задачами.
type Scheduler struct {
	cfg    *config.Config
	sess   *session.Session
	reg    *ledger.Registry
	logger *slog.Logger
	cron   *cron.Cron
}

// New создаёт планировщик. reg может быть nil, тогда снимок
// прогресса не регистрируется.
func New(cfg *config.Config, sess *session.Session, reg *ledger.Registry, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		sess:   sess,
		reg:    reg,
		logger: logger,
		cron:   cron.New(),
	}
}

// Start регистрирует задачи и запускает планировщик.
func (s *Scheduler) Start(ctx context.Context) error {
	refreshSpec := fmt.Sprintf("@every %dm", s.cfg.Session.RefreshIntervalMin)
	if _, err := s.cron.AddFunc(refreshSpec, func() { s.refreshToken() }); err != nil {
		return fmt.Errorf("schedule token refresh: %w", err)
	}

	if s.reg != nil {
		if _, err := s.cron.AddFunc("@every 5m", func() { s.snapshotProgress(ctx) }); err != nil {
			return fmt.Errorf("schedule progress snapshot: %w", err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "token_refresh", refreshSpec)
	return nil
}

// Stop останавливает планировщик и ждёт завершения текущих задач.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// refreshToken перечитывает токен из env-файла помощника.
// Токен живёт около 25 минут, помощник обновляет файл чаще;
// плановое перечитывание предотвращает большинство 401.
func (s *Scheduler) refreshToken() {
	refreshed, err := s.sess.ReloadFromFile(s.cfg.Session.TokenFile)
	if err != nil {
		s.logger.Error("scheduled token reload failed", "error", err)
		return
	}
	if refreshed {
		telemetry.SessionRefreshes.Inc()
		s.logger.Info("session token refreshed")
	}
}

// snapshotProgress пишет в лог размер леджера каждого источника.
func (s *Scheduler) snapshotProgress(ctx context.Context) {
	for _, src := range s.cfg.Sources {
		led, err := s.reg.GetOrOpen(src)
		if err != nil {
			s.logger.Error("progress snapshot: open ledger failed", "source", src, "error", err)
			continue
		}
		count, err := led.Count(ctx)
		if err != nil {
			s.logger.Error("progress snapshot: count failed", "source", src, "error", err)
			continue
		}
		telemetry.LedgerSize.WithLabelValues(ledger.ShardKey(src)).Set(float64(count))
		s.logger.Info("progress", "source", ledger.ShardKey(src), "completed", count)
	}
}
