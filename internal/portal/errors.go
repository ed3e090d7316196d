package portal

import "errors"

// Ошибки клиента портала.
var (
	// ErrAuthExpired — сервер вернул HTTP 401, сессия истекла.
	ErrAuthExpired = errors.New("session expired")

	// ErrCaptchaFetch — не удалось получить CAPTCHA.
	ErrCaptchaFetch = errors.New("captcha fetch failed")

	// ErrUpload — не удалось загрузить вложение.
	ErrUpload = errors.New("attachment upload failed")

	// ErrNoAttachment — вложение не сконфигурировано или не прочитано.
	ErrNoAttachment = errors.New("no attachment loaded")
)
