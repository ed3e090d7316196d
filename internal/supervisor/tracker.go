package supervisor

import (
	"context"

	"github.com/soliqtools/checkedit/internal/ingest"
	"github.com/soliqtools/checkedit/internal/ledger"
	"github.com/soliqtools/checkedit/internal/pipeline"
)

// SourceTracker сопоставляет размер источника с размером его
// леджера, чтобы обнаруживать завершение.
type SourceTracker struct {
	Path    string
	Total   int
	dataDir string
	led     *ledger.Ledger
}

// NewSourceTracker считает размер источника и открывает его леджер.
func NewSourceTracker(path string, reg *ledger.Registry) (*SourceTracker, error) {
	total, err := ingest.Count(path)
	if err != nil {
		return nil, err
	}
	led, err := reg.GetOrOpen(path)
	if err != nil {
		return nil, err
	}
	return &SourceTracker{Path: path, Total: total, dataDir: reg.DataDir(), led: led}, nil
}

// Completed возвращает число завершённых элементов источника.
func (t *SourceTracker) Completed(ctx context.Context) (int, error) {
	return t.led.Count(ctx)
}

// Remaining возвращает число незавершённых элементов.
func (t *SourceTracker) Remaining(ctx context.Context) (int, error) {
	done, err := t.led.Count(ctx)
	if err != nil {
		return 0, err
	}
	left := t.Total - done
	if left < 0 {
		left = 0
	}
	return left, nil
}

// Abandoned возвращает число элементов источника, списанных в
// журнал отказов и до сих пор не завершённых. Такие элементы не
// попадут в леджер без ручного requeue, поэтому источник с ними
// никогда не осушится сам.
func (t *SourceTracker) Abandoned(ctx context.Context) (int, error) {
	recs, err := pipeline.ReadFailures(pipeline.JournalPath(t.dataDir, t.Path))
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	done, err := t.led.AllIDs(ctx)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{})
	for _, r := range recs {
		if _, ok := done[r.Item.ItemID]; ok {
			continue
		}
		seen[r.Item.ItemID] = struct{}{}
	}
	return len(seen), nil
}

// Drained сообщает, осушён ли источник полностью.
func (t *SourceTracker) Drained(ctx context.Context) (bool, error) {
	left, err := t.Remaining(ctx)
	if err != nil {
		return false, err
	}
	return left == 0, nil
}
