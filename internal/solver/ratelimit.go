package solver

import (
	"context"
	"sync"
	"time"
)

// rateLimiter — проактивное ограничение запросов к оракулу:
// не больше rpm запросов в минуту на ключ плюс минимальный
// интервал между соседними запросами.
//
// Превышение лимита у вендора ведёт к 429 и риску блокировки
// ключа, поэтому ждём заранее, а не реагируем постфактум.
type rateLimiter struct {
	rpm         int
	minInterval time.Duration

	mu    sync.Mutex
	times map[string][]time.Time // key → отметки запросов за последнюю минуту
}

func newRateLimiter(rpm int) *rateLimiter {
	return &rateLimiter{
		rpm:         rpm,
		minInterval: time.Minute / time.Duration(rpm),
		times:       make(map[string][]time.Time),
	}
}

// wait блокирует, пока запрос с данным ключом не станет допустимым.
func (r *rateLimiter) wait(ctx context.Context, key string) error {
	delay := r.delayFor(key, time.Now())
	if delay <= 0 {
		return nil
	}

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// delayFor вычисляет необходимую паузу перед запросом.
func (r *rateLimiter) delayFor(key string, now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	times := r.times[key]

	// Отбрасываем отметки старше минуты.
	for len(times) > 0 && now.Sub(times[0]) > time.Minute {
		times = times[1:]
	}
	r.times[key] = times

	if len(times) >= r.rpm {
		// Окно заполнено: ждём, пока самая старая отметка выйдет
		// за минуту (плюс небольшой запас).
		return time.Minute - now.Sub(times[0]) + 500*time.Millisecond
	}

	if len(times) > 0 {
		if since := now.Sub(times[len(times)-1]); since < r.minInterval {
			return r.minInterval - since
		}
	}

	return 0
}

// record фиксирует выполненный запрос.
func (r *rateLimiter) record(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.times[key] = append(r.times[key], time.Now())
}
