package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/soliqtools/checkedit/internal/config"
	"github.com/soliqtools/checkedit/internal/domain"
	"github.com/soliqtools/checkedit/internal/ledger"
	"github.com/soliqtools/checkedit/internal/pipeline"
	"github.com/soliqtools/checkedit/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCfg(tokenFile string) *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{ChunkSize: 10, PrepareWorkers: 2, SubmitWorkers: 2},
		Retry:    config.RetryConfig{CaptchaMaxRetries: 2, ServerMaxRetries: 5, ServerBaseDelayMs: 1, ServerMaxDelayMs: 2},
		Session:  config.SessionConfig{TokenFile: tokenFile, MaxEscalations: 3},
	}
}

// writeCSV пишет источник из n чеков с item_id 1..n.
func writeCSV(t *testing.T, dir string, n int) string {
	t.Helper()
	var sb strings.Builder
	sb.WriteString("item_id,terminal_id\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&sb, "%d,T1\n", i)
	}
	path := filepath.Join(dir, "checks.csv")
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// scriptedProc выдаёт заранее прописанную последовательность
// вердиктов на каждый чек; по исчерпании сценария — успех.
type scriptedProc struct {
	mu       sync.Mutex
	script   map[string][]domain.OutcomeKind
	calls    map[string]int
	authOnce bool // первый чанк прервать как AuthExpired
}

func (p *scriptedProc) ProcessChunk(ctx context.Context, items []domain.WorkItem) pipeline.ChunkResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}

	if p.authOnce {
		p.authOnce = false
		return pipeline.ChunkResult{Requeue: items, AuthExpired: true}
	}

	var res pipeline.ChunkResult
	for _, item := range items {
		attempt := p.calls[item.ItemID]
		p.calls[item.ItemID]++

		kind := domain.OutcomeSuccess
		if kinds := p.script[item.ItemID]; attempt < len(kinds) {
			kind = kinds[attempt]
		}
		res.Results = append(res.Results, pipeline.ItemResult{
			Item:    item,
			Outcome: domain.Outcome{Kind: kind},
		})
	}
	return res
}

func (p *scriptedProc) callCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func openTestLedger(t *testing.T, dir, source string) *ledger.Ledger {
	t.Helper()
	led, err := ledger.Open(ledger.ShardPath(dir, source))
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { led.Close() })
	return led
}

func TestWorker_DrainsQueue(t *testing.T) {
	dir := t.TempDir()
	source := writeCSV(t, dir, 25)
	led := openTestLedger(t, dir, source)

	proc := &scriptedProc{}
	w := New(testCfg(filepath.Join(dir, "absent.env")),
		Options{Source: source, Ordinal: 1, TotalWorkers: 1},
		proc, led, session.New("t"), nil, testLogger())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	n, err := led.Count(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 25 {
		t.Errorf("ledger count = %d, want 25", n)
	}
}

func TestWorker_CaptchaCeilingThenSuccessIsDone(t *testing.T) {
	dir := t.TempDir()
	source := writeCSV(t, dir, 1)
	led := openTestLedger(t, dir, source)

	// Rejected exactly ceiling times, then success: item completes
	proc := &scriptedProc{script: map[string][]domain.OutcomeKind{
		"1": {domain.OutcomeCaptchaRejected, domain.OutcomeCaptchaRejected, domain.OutcomeSuccess},
	}}
	w := New(testCfg(filepath.Join(dir, "absent.env")),
		Options{Source: source, Ordinal: 1, TotalWorkers: 1},
		proc, led, session.New("t"), nil, testLogger())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	ok, err := led.Contains(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("item should be in the ledger")
	}
	if got := proc.callCount("1"); got != 3 {
		t.Errorf("%d attempts, want 3", got)
	}
}

func TestWorker_CaptchaCeilingExceededIsAbandoned(t *testing.T) {
	dir := t.TempDir()
	source := writeCSV(t, dir, 1)
	led := openTestLedger(t, dir, source)

	journal, err := pipeline.OpenFailureJournal(pipeline.JournalPath(dir, source))
	if err != nil {
		t.Fatal(err)
	}
	defer journal.Close()

	// Rejected ceiling+1 times: abandoned, never reaches the ledger
	proc := &scriptedProc{script: map[string][]domain.OutcomeKind{
		"1": {domain.OutcomeCaptchaRejected, domain.OutcomeCaptchaRejected, domain.OutcomeCaptchaRejected},
	}}
	w := New(testCfg(filepath.Join(dir, "absent.env")),
		Options{Source: source, Ordinal: 1, TotalWorkers: 1},
		proc, led, session.New("t"), journal, testLogger())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	ok, err := led.Contains(context.Background(), "1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("abandoned item must never appear in the ledger")
	}
	if got := proc.callCount("1"); got != 3 {
		t.Errorf("%d attempts, want 3 (initial + ceiling retries)", got)
	}

	recs, err := pipeline.ReadFailures(pipeline.JournalPath(dir, source))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Item.ItemID != "1" {
		t.Errorf("failure journal: %+v, want one record for item 1", recs)
	}
}

func TestWorker_SkipsAlreadyCompleted(t *testing.T) {
	dir := t.TempDir()
	source := writeCSV(t, dir, 10)
	led := openTestLedger(t, dir, source)

	ctx := context.Background()
	if err := led.AddBatch(ctx, []string{"1", "2", "3"}); err != nil {
		t.Fatal(err)
	}

	proc := &scriptedProc{}
	w := New(testCfg(filepath.Join(dir, "absent.env")),
		Options{Source: source, Ordinal: 1, TotalWorkers: 1},
		proc, led, session.New("t"), nil, testLogger())

	if err := w.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, id := range []string{"1", "2", "3"} {
		if proc.callCount(id) != 0 {
			t.Errorf("item %s was reprocessed", id)
		}
	}
	n, _ := led.Count(ctx)
	if n != 10 {
		t.Errorf("ledger count = %d, want 10", n)
	}
}

func TestWorker_ItemsFileFilter(t *testing.T) {
	dir := t.TempDir()
	source := writeCSV(t, dir, 10)
	led := openTestLedger(t, dir, source)

	itemsFile := filepath.Join(dir, "retry.txt")
	if err := os.WriteFile(itemsFile, []byte("# retry list\n4\n7\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	proc := &scriptedProc{}
	w := New(testCfg(filepath.Join(dir, "absent.env")),
		Options{Source: source, Ordinal: 1, TotalWorkers: 1, ItemsFile: itemsFile},
		proc, led, session.New("t"), nil, testLogger())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	n, _ := led.Count(context.Background())
	if n != 2 {
		t.Errorf("ledger count = %d, want 2", n)
	}
	if proc.callCount("1") != 0 || proc.callCount("4") != 1 || proc.callCount("7") != 1 {
		t.Error("only listed items should be processed")
	}
}

func TestWorker_DryRun(t *testing.T) {
	dir := t.TempDir()
	source := writeCSV(t, dir, 5)
	led := openTestLedger(t, dir, source)

	proc := &scriptedProc{}
	w := New(testCfg(filepath.Join(dir, "absent.env")),
		Options{Source: source, Ordinal: 1, TotalWorkers: 1, DryRun: true},
		proc, led, session.New("t"), nil, testLogger())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	n, _ := led.Count(context.Background())
	if n != 0 {
		t.Error("dry run must not touch the ledger")
	}
}

func TestWorker_Limit(t *testing.T) {
	dir := t.TempDir()
	source := writeCSV(t, dir, 20)
	led := openTestLedger(t, dir, source)

	proc := &scriptedProc{}
	w := New(testCfg(filepath.Join(dir, "absent.env")),
		Options{Source: source, Ordinal: 1, TotalWorkers: 1, Limit: 7},
		proc, led, session.New("t"), nil, testLogger())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	n, _ := led.Count(context.Background())
	if n != 7 {
		t.Errorf("ledger count = %d, want 7", n)
	}
}

func TestWorker_LedgerWriteFailureDeferred(t *testing.T) {
	dir := t.TempDir()
	source := writeCSV(t, dir, 1)
	path := ledger.ShardPath(dir, source)
	led, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}

	w := New(testCfg(filepath.Join(dir, "absent.env")),
		Options{Source: source, Ordinal: 1, TotalWorkers: 1},
		&scriptedProc{}, led, session.New("t"), nil, testLogger())

	// Cancelled context skips the retry backoff; the closed ledger
	// rejects every write.
	led.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w.recordDone(ctx, "42")
	if len(w.pendingAdds) != 1 || w.pendingAdds[0] != "42" {
		t.Fatalf("pendingAdds = %v, want deferred item 42", w.pendingAdds)
	}

	// Flush against the broken ledger keeps the backlog
	w.flushPendingAdds(ctx)
	if len(w.pendingAdds) != 1 {
		t.Fatalf("pendingAdds = %v, backlog must survive a failed flush", w.pendingAdds)
	}

	// Once the ledger works again, the backlog lands before the next chunk
	led2, err := ledger.Open(path)
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	defer led2.Close()
	w.led = led2

	w.flushPendingAdds(context.Background())
	if len(w.pendingAdds) != 0 {
		t.Errorf("pendingAdds = %v, want flushed", w.pendingAdds)
	}
	ok, err := led2.Contains(context.Background(), "42")
	if err != nil {
		t.Fatalf("contains: %v", err)
	}
	if !ok {
		t.Error("deferred item should be recorded after the flush")
	}
}

func TestWorker_AuthExpiredRequeuesAndRecovers(t *testing.T) {
	dir := t.TempDir()
	source := writeCSV(t, dir, 5)
	led := openTestLedger(t, dir, source)

	tokenFile := filepath.Join(dir, "session.env")
	if err := os.WriteFile(tokenFile, []byte(session.TokenKey+"=fresh\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	proc := &scriptedProc{authOnce: true}
	w := New(testCfg(tokenFile),
		Options{Source: source, Ordinal: 1, TotalWorkers: 1},
		proc, led, session.New("stale"), nil, testLogger())

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The interrupted chunk was retried after recovery
	n, _ := led.Count(context.Background())
	if n != 5 {
		t.Errorf("ledger count = %d, want 5", n)
	}
}

type alwaysExpiredProc struct{}

func (alwaysExpiredProc) ProcessChunk(ctx context.Context, items []domain.WorkItem) pipeline.ChunkResult {
	return pipeline.ChunkResult{Requeue: items, AuthExpired: true}
}

func TestWorker_GivesUpAfterMaxEscalations(t *testing.T) {
	dir := t.TempDir()
	source := writeCSV(t, dir, 3)
	led := openTestLedger(t, dir, source)

	cfg := testCfg(filepath.Join(dir, "absent.env"))
	cfg.Session.MaxEscalations = 2

	w := New(cfg,
		Options{Source: source, Ordinal: 1, TotalWorkers: 1},
		alwaysExpiredProc{}, led, session.New("t"), nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := w.Run(ctx)
	if err == nil {
		t.Fatal("expected error after escalations exhausted")
	}
	if ctx.Err() != nil {
		t.Fatal("worker hung instead of giving up")
	}
}

// Сквозной сценарий: 100 чеков, два воркера, общий леджер.
func TestWorker_EndToEnd_TwoWorkersShareLedger(t *testing.T) {
	dir := t.TempDir()
	source := writeCSV(t, dir, 100)
	led := openTestLedger(t, dir, source)
	ctx := context.Background()

	procs := []*scriptedProc{{}, {}}
	for ordinal := 1; ordinal <= 2; ordinal++ {
		w := New(testCfg(filepath.Join(dir, "absent.env")),
			Options{Source: source, Ordinal: ordinal, TotalWorkers: 2},
			procs[ordinal-1], led, session.New("t"), nil, testLogger())
		if err := w.Run(ctx); err != nil {
			t.Fatalf("worker %d: %v", ordinal, err)
		}
	}

	n, err := led.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 100 {
		t.Errorf("ledger count = %d, want 100", n)
	}

	// Every item attempted by exactly one worker
	for i := 1; i <= 100; i++ {
		id := fmt.Sprintf("%d", i)
		total := procs[0].callCount(id) + procs[1].callCount(id)
		if total != 1 {
			t.Errorf("item %s attempted %d times across workers, want 1", id, total)
		}
	}
}
