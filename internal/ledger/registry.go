package ledger

import "sync"

// Registry — фабрика шардов: один логический handle на шард
// внутри процесса.
//
// Заменяет singleton-по-пути: Registry создаётся владельцем
// (supervisor или main воркера) и явно передаётся компонентам.
type Registry struct {
	dataDir string

	mu     sync.Mutex
	shards map[string]*Ledger
}

// NewRegistry создаёт реестр шардов с корневым каталогом данных.
func NewRegistry(dataDir string) *Registry {
	return &Registry{
		dataDir: dataDir,
		shards:  make(map[string]*Ledger),
	}
}

// DataDir возвращает корневой каталог данных реестра.
func (r *Registry) DataDir() string { return r.dataDir }

// GetOrOpen возвращает шард для источника, открывая его при
// первом обращении. Конкурентные вызовы для одного источника
// получают один и тот же handle.
func (r *Registry) GetOrOpen(sourcePath string) (*Ledger, error) {
	key := ShardKey(sourcePath)

	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.shards[key]; ok {
		return l, nil
	}

	l, err := Open(ShardPath(r.dataDir, sourcePath))
	if err != nil {
		return nil, err
	}
	r.shards[key] = l
	return l, nil
}

// Close закрывает все открытые шарды.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for key, l := range r.shards {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.shards, key)
	}
	return firstErr
}
