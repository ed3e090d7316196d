// Checkedit Supervisor — управляет флотом процессов-воркеров.
//
// Supervisor:
//   - Ждёт появления bearer token от внешнего помощника
//   - Запускает N воркеров на каждый источник
//   - Следит за леджерами и перезапускает упавшие воркеры
//   - Перераспределяет воркеры осушённых источников
//
// Координация между воркерами идёт через леджеры и разбиение,
// супервизор управляет только процессами.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/soliqtools/checkedit/internal/config"
	"github.com/soliqtools/checkedit/internal/ledger"
	"github.com/soliqtools/checkedit/internal/supervisor"
	"github.com/soliqtools/checkedit/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting checkedit-supervisor")

	configPath := flag.String("config", "config.yaml", "путь к YAML-конфигурации")
	flag.Parse()

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	reg := ledger.NewRegistry(cfg.DataDir)
	defer reg.Close()

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	port := ":9090"
	if v := os.Getenv("SUPERVISOR_PORT"); v != "" {
		port = ":" + v
	}

	go func() {
		logger.Info("listening", "addr", port)
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	sup := supervisor.New(cfg, *configPath, reg, logger)
	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("supervisor failed", "error", err)
		os.Exit(1)
	}
	logger.Info("checkedit-supervisor stopped")
}
