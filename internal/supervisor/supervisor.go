package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/soliqtools/checkedit/internal/config"
	"github.com/soliqtools/checkedit/internal/ledger"
	"github.com/soliqtools/checkedit/internal/session"
)

// tokenPollInterval — период ожидания токена при старте.
const tokenPollInterval = 2 * time.Second

// stopTimeout — сколько ждать корректного завершения воркера
// после SIGTERM, прежде чем убить его.
const stopTimeout = 30 * time.Second

// proc — один запущенный процесс воркера.
type proc struct {
	cmd     *exec.Cmd
	source  string
	ordinal int
	total   int
	done    chan struct{}
	err     error
}

// Supervisor запускает воркеры по источникам, следит за их
// процессами и леджерами и перераспределяет воркеры осушённых
// источников на неосушённые.
//
// Координация между воркерами идёт только через леджеры и
// детерминированное разбиение: супервизор лишь управляет
// процессами, никакой общей очереди у него нет.
type Supervisor struct {
	cfg        *config.Config
	configPath string
	reg        *ledger.Registry
	logger     *slog.Logger

	trackers map[string]*SourceTracker
	procs    map[string][]*proc // по источнику; len == текущий N
}

// New создаёт супервизор. configPath передаётся каждому воркеру.
func New(cfg *config.Config, configPath string, reg *ledger.Registry, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		configPath: configPath,
		reg:        reg,
		logger:     logger,
		trackers:   make(map[string]*SourceTracker),
		procs:      make(map[string][]*proc),
	}
}

// Run выполняет полный цикл: ожидание токена, запуск воркеров,
// мониторинг до осушения всех источников или отмены контекста.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.waitForToken(ctx); err != nil {
		return err
	}

	for _, src := range s.cfg.Sources {
		t, err := NewSourceTracker(src, s.reg)
		if err != nil {
			return fmt.Errorf("track source %s: %w", src, err)
		}
		s.trackers[src] = t

		drained, err := t.Drained(ctx)
		if err != nil {
			return err
		}
		if drained {
			s.logger.Info("source already drained", "source", ledger.ShardKey(src))
			continue
		}
		if err := s.startSource(ctx, src, s.cfg.Supervisor.WorkersPerSource); err != nil {
			s.stopAll()
			return err
		}
	}

	defer s.stopAll()
	return s.monitor(ctx)
}

// waitForToken блокирует запуск, пока внешний помощник не положит
// bearer token в файл сессии. Запускать воркеры без токена
// бессмысленно: каждый сразу упрётся в 401.
func (s *Supervisor) waitForToken(ctx context.Context) error {
	for {
		env, err := godotenv.Read(s.cfg.Session.TokenFile)
		if err == nil && env[session.TokenKey] != "" {
			s.logger.Info("session token present", "file", s.cfg.Session.TokenFile)
			return nil
		}
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read token file: %w", err)
		}

		s.logger.Info("waiting for session token", "file", s.cfg.Session.TokenFile)
		select {
		case <-time.After(tokenPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// monitor опрашивает процессы и леджеры: перезапускает упавшие
// воркеры, перераспределяет воркеры осушённых источников.
// Возвращает nil, когда все источники осушены.
func (s *Supervisor) monitor(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.MonitorInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.restartCrashed(ctx); err != nil {
			return err
		}

		freed := 0
		for src := range s.procs {
			drained, err := s.trackers[src].Drained(ctx)
			if err != nil {
				s.logger.Error("drain check failed", "source", ledger.ShardKey(src), "error", err)
				continue
			}
			if !drained {
				s.warnIfStalled(ctx, src)
				continue
			}
			n := len(s.procs[src])
			s.logger.Info("source drained, releasing workers",
				"source", ledger.ShardKey(src), "workers", n)
			s.stopSource(src)
			freed += n
		}

		if freed > 0 {
			s.redistribute(ctx, freed)
		}

		if len(s.procs) == 0 {
			s.logger.Info("all sources drained")
			return nil
		}
	}
}

// warnIfStalled сигнализирует оператору, что весь остаток
// источника списан в журнал отказов: воркеры его не закроют,
// нужен ручной requeue (checkedit failed requeue).
func (s *Supervisor) warnIfStalled(ctx context.Context, src string) {
	left, err := s.trackers[src].Remaining(ctx)
	if err != nil || left == 0 {
		return
	}
	abandoned, err := s.trackers[src].Abandoned(ctx)
	if err != nil || abandoned < left {
		return
	}
	s.logger.Warn("source stalled on abandoned items",
		"source", ledger.ShardKey(src), "remaining", left, "abandoned", abandoned)
}

// restartCrashed перезапускает воркеры, завершившиеся с ошибкой
// при неосушённом источнике. Штатный выход (осушил свою долю) не
// перезапускается: источник закроют остальные воркеры или
// следующий тик мониторинга.
func (s *Supervisor) restartCrashed(ctx context.Context) error {
	for src, list := range s.procs {
		for i, p := range list {
			select {
			case <-p.done:
			default:
				continue
			}
			if p.err == nil {
				continue
			}

			drained, err := s.trackers[src].Drained(ctx)
			if err == nil && drained {
				continue
			}
			s.logger.Warn("worker crashed, restarting",
				"source", ledger.ShardKey(src), "ordinal", p.ordinal, "error", p.err)

			np, err := s.spawn(ctx, src, p.ordinal, p.total)
			if err != nil {
				return fmt.Errorf("restart worker: %w", err)
			}
			list[i] = np
		}
	}
	return nil
}

// redistribute отдаёт освободившиеся слоты источнику с наибольшим
// остатком. Смена N требует перезапуска всех воркеров источника:
// разбиения с разными N несовместимы, поэтому сначала полный
// останов (дожидаемся завершения текущих чанков), затем запуск
// всего набора с новым N.
func (s *Supervisor) redistribute(ctx context.Context, freed int) {
	target := ""
	best := 0
	for src := range s.procs {
		left, err := s.trackers[src].Remaining(ctx)
		if err != nil {
			continue
		}
		if left > best {
			best = left
			target = src
		}
	}
	if target == "" {
		return
	}

	newN := len(s.procs[target]) + freed
	s.logger.Info("redistributing workers",
		"target", ledger.ShardKey(target), "new_workers", newN, "remaining", best)

	s.stopSource(target)
	if err := s.startSource(ctx, target, newN); err != nil {
		s.logger.Error("redistribution failed", "target", ledger.ShardKey(target), "error", err)
	}
}

// startSource запускает n воркеров источника с ordinal 1..n.
func (s *Supervisor) startSource(ctx context.Context, src string, n int) error {
	list := make([]*proc, 0, n)
	for ordinal := 1; ordinal <= n; ordinal++ {
		p, err := s.spawn(ctx, src, ordinal, n)
		if err != nil {
			for _, started := range list {
				stopProc(started)
			}
			return err
		}
		list = append(list, p)
	}
	s.procs[src] = list
	s.logger.Info("workers started", "source", ledger.ShardKey(src), "count", n)
	return nil
}

// spawn запускает один процесс воркера.
func (s *Supervisor) spawn(ctx context.Context, src string, ordinal, total int) (*proc, error) {
	cmd := exec.CommandContext(ctx, s.cfg.Supervisor.WorkerBinary,
		"--config", s.configPath,
		"--source", src,
		"--ordinal", strconv.Itoa(ordinal),
		"--total-workers", strconv.Itoa(total),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s[%d/%d]: %w", ledger.ShardKey(src), ordinal, total, err)
	}

	p := &proc{cmd: cmd, source: src, ordinal: ordinal, total: total, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	s.logger.Info("worker spawned",
		"source", ledger.ShardKey(src), "ordinal", ordinal, "total", total, "pid", cmd.Process.Pid)
	return p, nil
}

// stopSource останавливает все воркеры источника и убирает его
// из карты процессов.
func (s *Supervisor) stopSource(src string) {
	for _, p := range s.procs[src] {
		stopProc(p)
	}
	delete(s.procs, src)
}

// stopAll останавливает все процессы.
func (s *Supervisor) stopAll() {
	for src := range s.procs {
		s.stopSource(src)
	}
}

// stopProc корректно завершает процесс: SIGTERM, затем SIGKILL
// по таймауту. Воркер на SIGTERM дорабатывает текущий чанк.
func stopProc(p *proc) {
	select {
	case <-p.done:
		return
	default:
	}

	_ = p.cmd.Process.Signal(os.Interrupt)
	select {
	case <-p.done:
	case <-time.After(stopTimeout):
		_ = p.cmd.Process.Kill()
		<-p.done
	}
}
