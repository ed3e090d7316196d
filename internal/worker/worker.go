package worker

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/soliqtools/checkedit/internal/config"
	"github.com/soliqtools/checkedit/internal/domain"
	"github.com/soliqtools/checkedit/internal/ingest"
	"github.com/soliqtools/checkedit/internal/ledger"
	"github.com/soliqtools/checkedit/internal/partition"
	"github.com/soliqtools/checkedit/internal/pipeline"
	"github.com/soliqtools/checkedit/internal/session"
	"github.com/soliqtools/checkedit/internal/telemetry"
)

// Options — параметры запуска одного воркера.
type Options struct {
	// Source — путь к файлу-источнику.
	Source string

	// Ordinal (1-based) и TotalWorkers задают детерминированную
	// долю источника, обрабатываемую этим воркером.
	Ordinal      int
	TotalWorkers int

	// ItemsFile — необязательный список item_id (по одному на
	// строку): обрабатывать только перечисленные элементы.
	// Используется для точечного перезапуска отказов.
	ItemsFile string

	// DryRun — построить очередь и посчитать её, ничего не отправляя.
	DryRun bool

	// Limit > 0 ограничивает очередь первыми N элементами.
	Limit int
}

// ChunkProcessor обрабатывает один чанк. Реализуется
// pipeline.Pipeline; в тестах подменяется заглушкой.
type ChunkProcessor interface {
	ProcessChunk(ctx context.Context, items []domain.WorkItem) pipeline.ChunkResult
}

// Worker прогоняет свою долю источника через конвейер до полного
// осушения очереди. Дедупликацию обеспечивает леджер: разбиение
// между воркерами лишь распределяет нагрузку.
type Worker struct {
	cfg     *config.Config
	opts    Options
	proc    ChunkProcessor
	led     *ledger.Ledger
	sess    *session.Session
	journal *pipeline.FailureJournal
	logger  *slog.Logger

	// pendingAdds — item_id, отправленные на портал, но ещё не
	// записанные в леджер из-за ошибки записи. Повторяются батчем
	// перед следующим чанком: без записи элемент уйдёт повторно
	// после рестарта.
	pendingAdds []string
}

// New создаёт воркер.
func New(cfg *config.Config, opts Options, proc ChunkProcessor, led *ledger.Ledger, sess *session.Session, journal *pipeline.FailureJournal, logger *slog.Logger) *Worker {
	return &Worker{
		cfg:     cfg,
		opts:    opts,
		proc:    proc,
		led:     led,
		sess:    sess,
		journal: journal,
		logger:  telemetry.WithWorkerID(logger, opts.Ordinal),
	}
}

// Run обрабатывает долю источника до осушения очереди или отмены
// контекста. Возвращает nil при полном осушении.
func (w *Worker) Run(ctx context.Context) error {
	queue, err := w.buildQueue(ctx)
	if err != nil {
		return err
	}

	w.logger.Info("queue built",
		"source", w.opts.Source,
		"ordinal", w.opts.Ordinal,
		"total_workers", w.opts.TotalWorkers,
		"pending", len(queue),
	)

	if w.opts.DryRun {
		w.logger.Info("dry run, nothing submitted", "would_process", len(queue))
		return nil
	}

	escalations := 0
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.flushPendingAdds(ctx)

		n := w.cfg.Pipeline.ChunkSize
		if n > len(queue) {
			n = len(queue)
		}
		chunk := queue[:n]
		queue = queue[n:]

		res := w.proc.ProcessChunk(ctx, chunk)

		var requeued int
		queue, requeued = w.applyResults(ctx, res, queue)

		if res.AuthExpired {
			escalations++
			if escalations > w.cfg.Session.MaxEscalations {
				return fmt.Errorf("%w: %d escalations", ErrSessionLost, escalations)
			}
			if err := w.recoverSession(ctx); err != nil {
				return err
			}
			telemetry.SessionRefreshes.Inc()
			continue
		}
		escalations = 0

		done, err := w.led.Count(ctx)
		if err == nil {
			telemetry.LedgerSize.WithLabelValues(ledger.ShardKey(w.opts.Source)).Set(float64(done))
		}
		w.logger.Info("chunk processed",
			"chunk", n, "requeued", requeued, "remaining", len(queue), "ledger", done)
	}

	w.flushPendingAdds(ctx)
	if n := len(w.pendingAdds); n > 0 {
		// Последний рубеж — классификация дубликатов на портале.
		w.logger.Error("items submitted but not recorded", "items", n)
	}

	w.logger.Info("queue drained", "source", w.opts.Source)
	return nil
}

// buildQueue читает источник, выделяет долю воркера и выкидывает
// уже завершённые элементы по леджеру.
func (w *Worker) buildQueue(ctx context.Context) ([]domain.WorkItem, error) {
	items, err := ingest.Load(w.opts.Source)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].TIN == "" {
			items[i].TIN = w.cfg.Portal.DefaultTIN
		}
		if items[i].TerminalID == "" {
			items[i].TerminalID = w.cfg.Portal.DefaultTerminalID
		}
	}

	part := partition.Assign(items, w.opts.Ordinal, w.opts.TotalWorkers)
	if part == nil {
		return nil, fmt.Errorf("%w: ordinal=%d total=%d", ErrBadPartition, w.opts.Ordinal, w.opts.TotalWorkers)
	}

	done, err := w.led.AllIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}

	var only map[string]struct{}
	if w.opts.ItemsFile != "" {
		only, err = readItemsFile(w.opts.ItemsFile)
		if err != nil {
			return nil, err
		}
	}

	queue := part[:0:0]
	for _, item := range part {
		if _, ok := done[item.ItemID]; ok {
			continue
		}
		if only != nil {
			if _, ok := only[item.ItemID]; !ok {
				continue
			}
		}
		queue = append(queue, item)
		if w.opts.Limit > 0 && len(queue) >= w.opts.Limit {
			break
		}
	}
	return queue, nil
}

// applyResults применяет вердикты чанка: запись в леджер, возврат
// в очередь или журнал отказов. Возвращает обновлённую очередь и
// число возвращённых элементов.
func (w *Worker) applyResults(ctx context.Context, res pipeline.ChunkResult, queue []domain.WorkItem) ([]domain.WorkItem, int) {
	requeued := 0

	for _, r := range res.Results {
		switch {
		case r.Outcome.Completed():
			w.recordDone(ctx, r.Item.ItemID)
			telemetry.ItemsCompleted.Inc()

		case r.Outcome.Kind == domain.OutcomeCaptchaRejected:
			item := r.Item
			item.RetryCount++
			if item.RetryCount <= w.cfg.Retry.CaptchaMaxRetries {
				telemetry.CaptchaRetries.Inc()
				queue = append(queue, item)
				requeued++
				continue
			}
			w.abandon(item, r.Outcome)

		default:
			w.abandon(r.Item, r.Outcome)
		}
	}

	// Необработанные элементы возвращаются в голову очереди без
	// увеличения счётчика повторов: их вины в обрыве чанка нет.
	if len(res.Requeue) > 0 {
		queue = append(append([]domain.WorkItem{}, res.Requeue...), queue...)
		requeued += len(res.Requeue)
	}

	return queue, requeued
}

// ledgerAddRetries — повторы записи в леджер после успешной
// отправки. Без записи элемент уйдёт повторно после рестарта,
// поэтому ошибка записи не закрывает элемент молча.
const (
	ledgerAddRetries = 3
	ledgerAddBackoff = 500 * time.Millisecond
)

// recordDone записывает завершённый элемент в леджер, повторяя
// при ошибке. Исчерпав повторы, откладывает item_id в pendingAdds:
// батчевый повтор перед следующим чанком.
func (w *Worker) recordDone(ctx context.Context, itemID string) {
	var err error
	for attempt := 0; attempt <= ledgerAddRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(ledgerAddBackoff):
			case <-ctx.Done():
			}
		}
		if err = w.led.Add(ctx, itemID); err == nil {
			return
		}
	}
	w.logger.Error("ledger write failed, deferring",
		"item_id", itemID, "attempts", ledgerAddRetries+1, "error", err)
	w.pendingAdds = append(w.pendingAdds, itemID)
}

// flushPendingAdds повторяет отложенные записи батчем.
func (w *Worker) flushPendingAdds(ctx context.Context) {
	if len(w.pendingAdds) == 0 {
		return
	}
	if err := w.led.AddBatch(ctx, w.pendingAdds); err != nil {
		w.logger.Error("ledger backlog write failed",
			"items", len(w.pendingAdds), "error", err)
		return
	}
	w.logger.Info("ledger backlog flushed", "items", len(w.pendingAdds))
	w.pendingAdds = nil
}

func (w *Worker) abandon(item domain.WorkItem, outcome domain.Outcome) {
	w.logger.Error("item abandoned",
		"item_id", item.ItemID, "kind", outcome.Kind, "code", outcome.Code, "detail", outcome.Detail)
	telemetry.ItemsAbandoned.Inc()
	if w.journal != nil {
		if err := w.journal.Record(item, outcome); err != nil {
			w.logger.Error("failure journal write failed", "item_id", item.ItemID, "error", err)
		}
	}
}

// recoverSession пытается перечитать токен из файла помощника и
// ждёт действительной сессии. Плановое обновление делает scheduler;
// здесь — немедленная попытка, чтобы не ждать его тика.
func (w *Worker) recoverSession(ctx context.Context) error {
	refreshed, err := w.sess.ReloadFromFile(w.cfg.Session.TokenFile)
	if err != nil {
		w.logger.Warn("token reload failed", "error", err)
	}
	if refreshed {
		w.logger.Info("session refreshed from token file")
		return nil
	}

	w.logger.Warn("waiting for a fresh session token")
	if err := w.sess.WaitValid(ctx); err != nil {
		return fmt.Errorf("wait for session: %w", err)
	}
	return nil
}

// readItemsFile читает список item_id: по одному на строку,
// пустые строки и строки с # пропускаются.
func readItemsFile(path string) (map[string]struct{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open items file: %w", err)
	}
	defer f.Close()

	ids := make(map[string]struct{})
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ids[line] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read items file: %w", err)
	}
	return ids, nil
}
