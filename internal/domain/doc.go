// Package domain содержит основные типы предметной области:
//
//   - WorkItem — один чек, требующий одной заявки на редактирование
//   - Outcome — классифицированный результат одной попытки отправки
//   - ItemStatus — терминальные состояния чека (DONE / ABANDONED)
//
// Типы не зависят от транспорта и хранилища — их используют
// все остальные пакеты (pipeline, worker, ledger, portal).
package domain
