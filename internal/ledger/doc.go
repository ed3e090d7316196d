// Package ledger — долговечный реестр завершённых чеков.
//
// Один шард на источник, SQLite-файл в режиме WAL: все воркеры,
// привязанные к источнику, видят завершения друг друга, поэтому
// именно реестр (а не разбиение) защищает от повторной отправки.
//
// Включает:
//   - ledger.go   — операции над шардом (Contains, Add, AddBatch, ...)
//   - registry.go — один логический handle на шард внутри процесса
//   - errors.go   — ошибки пакета
package ledger
