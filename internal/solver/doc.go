// Package solver — OCR-оракул для CAPTCHA на основе vision-LLM.
//
// Оракул поддерживает батчевое решение: один вызов на несколько
// изображений, что амортизирует задержку и стоимость. Ответ —
// JSON-массив строк той же длины; пустая строка означает «не решено».
//
// Пул API-ключей делится между воркерами: стартовый ключ выбирается
// round-robin по ordinal воркера, при 429 и блокировках ключ
// ротируется.
package solver
