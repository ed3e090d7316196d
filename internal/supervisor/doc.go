// Package supervisor управляет флотом процессов-воркеров:
// запуск по источникам, перезапуск упавших, перераспределение
// воркеров осушённых источников на неосушённые.
package supervisor
