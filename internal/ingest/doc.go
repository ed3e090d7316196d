// Package ingest читает файлы-источники (CSV, JSONL) в
// упорядоченные списки элементов работы.
package ingest
