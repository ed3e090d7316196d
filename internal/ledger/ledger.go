package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS progress (
    item_id      TEXT PRIMARY KEY,
    completed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
`

// Прагмы производительности и конкурентности:
// WAL — конкурентные читатели/писатели из независимых процессов,
// synchronous=NORMAL — достаточная долговечность при WAL,
// temp_store=MEMORY — служебные страницы в памяти.
var pragmas = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	"PRAGMA temp_store=MEMORY;",
	"PRAGMA busy_timeout=10000;",
}

// Ledger — один шард реестра завершённых чеков.
//
// Потокобезопасен. Несколько процессов могут открыть один и тот же
// файл: каждый процесс держит собственное соединение, синхронизация
// между процессами — на уровне SQLite (WAL + busy_timeout).
type Ledger struct {
	db   *sql.DB
	path string

	mu     sync.RWMutex
	closed bool
}

// Open открывает (или создаёт) шард по пути path.
//
// Идемпотентен на уровне файла; внутри одного процесса «один
// логический handle на шард» обеспечивает Registry.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}

	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", strings.TrimSpace(p), err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}

	return &Ledger{db: db, path: path}, nil
}

// Path возвращает путь к файлу шарда.
func (l *Ledger) Path() string { return l.path }

// Contains проверяет, завершён ли чек.
//
// Ошибка хранилища возвращается вызывающему: «false по умолчанию»
// небезопасно — молчаливый повтор отправки хуже, чем явный сбой.
func (l *Ledger) Contains(ctx context.Context, itemID string) (bool, error) {
	if err := l.ensureOpen(); err != nil {
		return false, err
	}

	var one int
	err := l.db.QueryRowContext(ctx,
		"SELECT 1 FROM progress WHERE item_id = ? LIMIT 1", itemID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger contains: %w", err)
	}
	return true, nil
}

// Add записывает завершённый чек. Повторное добавление — no-op.
func (l *Ledger) Add(ctx context.Context, itemID string) error {
	if itemID == "" {
		return ErrEmptyItemID
	}
	if err := l.ensureOpen(); err != nil {
		return err
	}

	_, err := l.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO progress (item_id) VALUES (?)", itemID,
	)
	if err != nil {
		return fmt.Errorf("ledger add: %w", err)
	}
	return nil
}

// AddBatch записывает несколько чеков одной транзакцией.
//
// Идемпотентен; атомарен с точки зрения вызывающего — либо все
// новые id видимы после возврата, либо вызов завершился ошибкой.
func (l *Ledger) AddBatch(ctx context.Context, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	if err := l.ensureOpen(); err != nil {
		return err
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ledger begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO progress (item_id) VALUES (?)")
	if err != nil {
		return fmt.Errorf("ledger prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range itemIDs {
		if id == "" {
			return ErrEmptyItemID
		}
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("ledger batch insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ledger commit: %w", err)
	}
	return nil
}

// AllIDs возвращает множество всех завершённых чеков.
func (l *Ledger) AllIDs(ctx context.Context) (map[string]struct{}, error) {
	if err := l.ensureOpen(); err != nil {
		return nil, err
	}

	rows, err := l.db.QueryContext(ctx, "SELECT item_id FROM progress")
	if err != nil {
		return nil, fmt.Errorf("ledger all ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ledger scan id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// Count возвращает количество завершённых чеков.
// Дешёвый путь: COUNT(*) по первичному ключу, без загрузки id.
func (l *Ledger) Count(ctx context.Context) (int, error) {
	if err := l.ensureOpen(); err != nil {
		return 0, err
	}

	var n int
	if err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM progress").Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger count: %w", err)
	}
	return n, nil
}

// Clear удаляет весь прогресс шарда. Использовать осторожно.
func (l *Ledger) Clear(ctx context.Context) error {
	if err := l.ensureOpen(); err != nil {
		return err
	}
	if _, err := l.db.ExecContext(ctx, "DELETE FROM progress"); err != nil {
		return fmt.Errorf("ledger clear: %w", err)
	}
	return nil
}

// ExportJSON выгружает все id в отсортированный JSON-массив
// (резервная копия, вход для targeted-повтора). Сортировка делает
// выгрузки сравнимыми между запусками.
func (l *Ledger) ExportJSON(ctx context.Context, w io.Writer) error {
	ids, err := l.AllIDs(ctx)
	if err != nil {
		return err
	}

	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	sort.Strings(list)

	enc := json.NewEncoder(w)
	return enc.Encode(list)
}

// Close закрывает соединение с шардом.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.db.Close()
}

func (l *Ledger) ensureOpen() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	return nil
}

// ShardKey выводит стабильное имя шарда из пути источника
// (имя файла без расширения).
func ShardKey(sourcePath string) string {
	base := filepath.Base(sourcePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ShardPath возвращает путь к файлу шарда для источника.
func ShardPath(dataDir, sourcePath string) string {
	return filepath.Join(dataDir, "progress_"+ShardKey(sourcePath)+".db")
}
