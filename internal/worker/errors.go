package worker

import "errors"

var (
	// ErrSessionLost — сессию не удалось восстановить после
	// допустимого числа эскалаций.
	ErrSessionLost = errors.New("session lost")

	// ErrBadPartition — некорректная пара ordinal/total.
	ErrBadPartition = errors.New("bad partition")
)
