// Package cli — команды инструмента checkedit: сводка прогресса,
// работа с журналом отказов, экспорт и сверка леджеров. Команды
// работают с локальными файлами данных, не с запущенными
// процессами.
package cli
