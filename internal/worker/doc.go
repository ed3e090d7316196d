// Package worker — цикл осушения очереди одного воркера: доля
// источника по модульному разбиению, фильтрация по леджеру,
// обработка чанками через конвейер, возвраты и потолки повторов.
package worker
