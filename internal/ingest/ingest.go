package ingest

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/soliqtools/checkedit/internal/domain"
)

// Load читает файл-источник и возвращает упорядоченный список
// элементов работы. Формат определяется расширением: .csv или
// .jsonl. SequenceIndex присваивается по позиции в файле — он
// определяет детерминированное разбиение между воркерами.
//
// Строки без item_id пропускаются: источники выгружаются из
// учётных систем и нередко содержат пустые хвостовые строки.
func Load(path string) ([]domain.WorkItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	var items []domain.WorkItem
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		items, err = loadCSV(f)
	case ".jsonl":
		items, err = loadJSONL(f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	for i := range items {
		items[i].SequenceIndex = i
	}
	return items, nil
}

// Count возвращает количество элементов в источнике.
// Супервизору нужен только размер, не содержимое.
func Count(path string) (int, error) {
	items, err := Load(path)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// loadCSV читает CSV с заголовком. Обязательна колонка item_id;
// terminal_id, tin и payment_date опциональны — пустые значения
// подставит воркер из конфигурации портала.
func loadCSV(r io.Reader) ([]domain.WorkItem, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["item_id"]; !ok {
		return nil, fmt.Errorf("%w: item_id", ErrMissingColumn)
	}

	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var items []domain.WorkItem
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read record: %w", err)
		}
		id := field(rec, "item_id")
		if id == "" {
			continue
		}
		items = append(items, domain.WorkItem{
			ItemID:      id,
			TerminalID:  field(rec, "terminal_id"),
			TIN:         field(rec, "tin"),
			PaymentDate: field(rec, "payment_date"),
		})
	}
	return items, nil
}

// loadJSONL читает JSONL: по одному объекту WorkItem на строку.
func loadJSONL(r io.Reader) ([]domain.WorkItem, error) {
	var items []domain.WorkItem
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var item domain.WorkItem
		if err := json.Unmarshal([]byte(line), &item); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if item.ItemID == "" {
			continue
		}
		items = append(items, item)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return items, nil
}
