package ledger

import "errors"

// Ошибки реестра.
var (
	// ErrClosed — операция над закрытым шардом.
	ErrClosed = errors.New("ledger is closed")

	// ErrEmptyItemID — пустой item_id не допускается.
	ErrEmptyItemID = errors.New("empty item id")
)
