// Package portal — клиент API налогового портала.
//
// Единственное место, где интерпретируется протокол вендора:
// формат payload'ов, логические коды ответов, признаки успеха.
// Схема ответов считается хрупкой и версионируемой, поэтому
// коды классификатора приходят из конфигурации.
//
// Включает:
//   - client.go   — CAPTCHA, загрузка вложения, отправка заявки
//   - classify.go — классификатор исходов (Outcome)
//   - errors.go   — ошибки пакета
package portal
