package pipeline

import (
	"math/rand"
	"time"
)

// Delay возвращает базовую задержку перед повтором номер attempt
// (attempt считается с нуля): min(base * 2^attempt, max).
func Delay(baseMs, maxMs, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := time.Duration(baseMs) * time.Millisecond
	max := time.Duration(maxMs) * time.Millisecond

	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// Jitter размазывает задержку в диапазоне [0.5d, 1.5d), чтобы
// повторы разных горутин не били в портал синхронно.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	factor := 0.5 + rand.Float64()
	return time.Duration(float64(d) * factor)
}
