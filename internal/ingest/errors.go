package ingest

import "errors"

var (
	// ErrUnknownFormat — расширение источника не поддерживается.
	ErrUnknownFormat = errors.New("unknown source format")
	// ErrMissingColumn — в CSV нет обязательной колонки.
	ErrMissingColumn = errors.New("missing required column")
)
