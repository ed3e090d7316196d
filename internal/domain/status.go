package domain

// ItemStatus — состояние жизненного цикла чека.
//
// Жизненный цикл:
//
//	PENDING → DONE       (записан в Ledger)
//	        ↘ ABANDONED  (лимит повторов исчерпан, журнал failures)
type ItemStatus string

const (
	// ItemStatusPending — чек ожидает обработки или находится в requeue.
	ItemStatusPending ItemStatus = "PENDING"

	// ItemStatusDone — чек успешно отправлен и записан в Ledger.
	ItemStatusDone ItemStatus = "DONE"

	// ItemStatusAbandoned — чек исключён из автоматических повторов.
	// Возврат возможен только вручную (checkedit failed requeue).
	ItemStatusAbandoned ItemStatus = "ABANDONED"
)

// IsTerminal возвращает true, если статус финальный.
func (s ItemStatus) IsTerminal() bool {
	switch s {
	case ItemStatusDone, ItemStatusAbandoned:
		return true
	default:
		return false
	}
}
