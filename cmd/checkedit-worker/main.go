// Checkedit Worker — один процесс-воркер: обрабатывает свою долю
// источника через конвейер prepare → solve → submit.
//
// Worker:
//   - Получает долю источника по детерминированному разбиению
//   - Пропускает элементы, уже записанные в леджер
//   - Решает CAPTCHA батчами через OCR-оракул
//   - Дедупликация — только через леджер, общий для всех воркеров
//     источника
//
// Workers масштабируются горизонтально; запускает их супервизор.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soliqtools/checkedit/internal/config"
	"github.com/soliqtools/checkedit/internal/ledger"
	"github.com/soliqtools/checkedit/internal/pipeline"
	"github.com/soliqtools/checkedit/internal/portal"
	"github.com/soliqtools/checkedit/internal/scheduler"
	"github.com/soliqtools/checkedit/internal/session"
	"github.com/soliqtools/checkedit/internal/solver"
	"github.com/soliqtools/checkedit/internal/telemetry"
	"github.com/soliqtools/checkedit/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()

	var (
		configPath   = flag.String("config", "config.yaml", "путь к YAML-конфигурации")
		source       = flag.String("source", "", "путь к файлу-источнику")
		ordinal      = flag.Int("ordinal", 1, "номер воркера (1-based)")
		totalWorkers = flag.Int("total-workers", 1, "общее число воркеров источника")
		itemsFile    = flag.String("items-file", "", "обрабатывать только перечисленные item_id")
		dryRun       = flag.Bool("dry-run", false, "построить очередь, ничего не отправлять")
		limit        = flag.Int("limit", 0, "ограничить очередь первыми N элементами")
	)
	flag.Parse()

	logger = telemetry.WithWorkerID(logger, *ordinal)
	logger.Info("starting checkedit-worker", "source", *source)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if *source == "" {
		logger.Error("--source is required")
		os.Exit(1)
	}

	// Сессия: токен кладёт внешний помощник, здесь только читаем.
	sess := session.New("")
	if _, err := sess.ReloadFromFile(cfg.Session.TokenFile); err != nil {
		logger.Warn("token file not readable yet", "error", err)
	}

	// Леджер источника
	reg := ledger.NewRegistry(cfg.DataDir)
	defer reg.Close()
	led, err := reg.GetOrOpen(*source)
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}
	logger.Info("ledger opened", "shard", ledger.ShardKey(*source))

	// Клиент портала
	client, err := portal.NewClient(cfg.Portal, cfg.Codes, sess, logger)
	if err != nil {
		logger.Error("failed to create portal client", "error", err)
		os.Exit(1)
	}

	// OCR-оракул
	solv, err := solver.New(cfg.Solver, *ordinal, logger)
	if err != nil {
		logger.Error("failed to create solver", "error", err)
		os.Exit(1)
	}

	// Журнал отказов
	journal, err := pipeline.OpenFailureJournal(pipeline.JournalPath(cfg.DataDir, *source))
	if err != nil {
		logger.Error("failed to open failure journal", "error", err)
		os.Exit(1)
	}
	defer journal.Close()

	// Плановое обновление токена
	sched := scheduler.New(cfg, sess, nil, logger)
	if err := sched.Start(ctx); err != nil {
		logger.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}
	defer sched.Stop()

	pipe := pipeline.New(cfg.Pipeline, cfg.Retry, client, solv, sess, logger)
	w := worker.New(cfg, worker.Options{
		Source:       *source,
		Ordinal:      *ordinal,
		TotalWorkers: *totalWorkers,
		ItemsFile:    *itemsFile,
		DryRun:       *dryRun,
		Limit:        *limit,
	}, pipe, led, sess, journal, logger)

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Порт зависит от ordinal: несколько воркеров на одном хосте.
	port := fmt.Sprintf(":%d", 9100+*ordinal)
	if v := os.Getenv("WORKER_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
		}
	}()

	if err := w.Run(ctx); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
	logger.Info("checkedit-worker stopped")
}
