package pipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/soliqtools/checkedit/internal/domain"
)

// JournalPath возвращает путь журнала отказов для источника:
// failures_<stem>.jsonl в каталоге данных, рядом с леджером.
func JournalPath(dataDir, sourcePath string) string {
	stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	return filepath.Join(dataDir, "failures_"+stem+".jsonl")
}

// FailureRecord — одна строка журнала невосстановимых отказов.
type FailureRecord struct {
	Item     domain.WorkItem   `json:"item"`
	Outcome  domain.Outcome    `json:"outcome"`
	Status   domain.ItemStatus `json:"status"`
	FailedAt time.Time         `json:"failed_at"`
}

// FailureJournal — append-only JSONL-журнал элементов, которые
// воркер прекратил обрабатывать. Журнал читают CLI-команды
// (list, requeue), поэтому формат — строка на запись.
type FailureJournal struct {
	mu   sync.Mutex
	path string
	file *os.File
	enc  *json.Encoder
}

// OpenFailureJournal открывает журнал на дозапись.
func OpenFailureJournal(path string) (*FailureJournal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open failure journal: %w", err)
	}
	return &FailureJournal{path: path, file: f, enc: json.NewEncoder(f)}, nil
}

// Record дописывает отказ в журнал.
func (j *FailureJournal) Record(item domain.WorkItem, outcome domain.Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec := FailureRecord{
		Item:     item,
		Outcome:  outcome,
		Status:   domain.ItemStatusAbandoned,
		FailedAt: time.Now().UTC(),
	}
	if err := j.enc.Encode(rec); err != nil {
		return fmt.Errorf("write failure record: %w", err)
	}
	return nil
}

// Close закрывает файл журнала.
func (j *FailureJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// ReadFailures читает весь журнал. Битые строки пропускаются:
// журнал может оборваться на середине записи при аварийном
// завершении процесса.
func ReadFailures(path string) ([]FailureRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open failure journal: %w", err)
	}
	defer f.Close()

	var records []FailureRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec FailureRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read failure journal: %w", err)
	}
	return records, nil
}
