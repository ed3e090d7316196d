// Package pipeline — трёхфазный конвейер обработки чанка:
// параллельная подготовка (CAPTCHA + вложение), одно батчевое
// решение CAPTCHA оракулом, параллельная отправка с повторами.
//
// Конвейер не знает о леджере и очереди: он лишь выносит вердикт
// по каждому элементу чанка (или помечает его на возврат в
// очередь), а воркер решает, что с вердиктом делать.
package pipeline
