package domain

import "strings"

// paymentIDItemWidth — ширина числовой части paymentId.
// Формат подтверждён HAR-анализом: terminalId (14 символов) +
// номер чека, дополненный нулями слева до 16 символов = 30 символов.
const paymentIDItemWidth = 16

// WorkItem — один чек, требующий одной удалённой заявки на редактирование.
//
// WorkItem создаётся источником (ingest), проходит через Batch Pipeline
// и завершается либо записью в Ledger (успех), либо превышением
// лимита повторов (постоянная ошибка, журнал failures).
type WorkItem struct {
	// ItemID — номер чека. Уникален в пределах источника.
	ItemID string `json:"item_id"`

	// TerminalID — идентификатор кассового терминала.
	TerminalID string `json:"terminal_id"`

	// TIN — ИНН налогоплательщика.
	TIN string `json:"tin"`

	// PaymentDate — дата платежа в формате YYYY-MM-DD.
	PaymentDate string `json:"payment_date"`

	// SequenceIndex — позиция чека в источнике (порядок строк).
	// Используется только для детерминированного разбиения и логов.
	SequenceIndex int `json:"sequence_index"`

	// RetryCount — счётчик повторов после CAPTCHA-ошибок.
	// Увеличивается при каждом requeue.
	RetryCount int `json:"retry_count"`
}

// PaymentID возвращает производный идентификатор платежа.
//
// Инвариант: PaymentID — чистая функция от (ItemID, TerminalID)
// и пересчитывается одинаково в любом процессе; кэширование
// между процессами запрещено.
func (it *WorkItem) PaymentID() string {
	return DerivePaymentID(it.ItemID, it.TerminalID)
}

// DerivePaymentID формирует paymentId: terminalId + номер чека,
// дополненный нулями слева до 16 символов.
//
// Примеры:
//
//	26371353560  → EP0000000005510000026371353560
//	5464588689   → EP0000000005510000005464588689
func DerivePaymentID(itemID, terminalID string) string {
	if len(itemID) >= paymentIDItemWidth {
		return terminalID + itemID
	}
	return terminalID + strings.Repeat("0", paymentIDItemWidth-len(itemID)) + itemID
}
