// Package partition — детерминированное разбиение чеков по воркерам.
//
// Чистая функция без ввода-вывода: чек с индексом i достаётся
// воркеру (i mod N) + 1. Все воркеры одного источника обязаны
// вызывать её с одной и той же упорядоченной последовательностью
// (порядок строк источника стабилен между процессами).
//
// Разбиение само по себе не защищает от дублей: при смене N
// подмножества разных прогонов пересекаются. Гарантию «не более
// одной записи на чек» даёт реестр (ledger), разбиение — только
// первичное распределение нагрузки.
package partition

import "github.com/soliqtools/checkedit/internal/domain"

// Assign возвращает подмножество items, назначенное воркеру ordinal
// из count воркеров. Ordinal нумеруется с 1.
//
// Для фиксированных (count, items) объединение подмножеств всех
// воркеров равно items, подмножества попарно не пересекаются.
func Assign(items []domain.WorkItem, ordinal, count int) []domain.WorkItem {
	if count <= 0 || ordinal < 1 || ordinal > count {
		return nil
	}

	var out []domain.WorkItem
	for i := range items {
		if i%count == ordinal-1 {
			out = append(out, items[i])
		}
	}
	return out
}

// Counts возвращает размеры подмножеств всех воркеров — для логов
// супервизора при старте распределения.
func Counts(total, count int) []int {
	if count <= 0 {
		return nil
	}
	sizes := make([]int, count)
	for i := 0; i < total; i++ {
		sizes[i%count]++
	}
	return sizes
}
