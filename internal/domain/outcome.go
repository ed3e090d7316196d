package domain

// OutcomeKind — категория результата одной попытки отправки.
//
// Классификация выполняется в единственном месте — portal.Classify —
// и немедленно потребляется retry-контроллером pipeline.
type OutcomeKind string

const (
	// OutcomeSuccess — сервер подтвердил заявку.
	OutcomeSuccess OutcomeKind = "SUCCESS"

	// OutcomeDuplicateSubmission — заявка по этому чеку уже существует.
	// Трактуется как успех: чек был отправлен ранее.
	OutcomeDuplicateSubmission OutcomeKind = "DUPLICATE"

	// OutcomeRetryableServerError — временная перегрузка сервера
	// или сетевая ошибка. Повтор с экспоненциальной задержкой.
	OutcomeRetryableServerError OutcomeKind = "RETRYABLE_SERVER_ERROR"

	// OutcomeCaptchaRejected — сервер отклонил значение CAPTCHA.
	// Повтор со свежей CAPTCHA (старая одноразовая).
	OutcomeCaptchaRejected OutcomeKind = "CAPTCHA_REJECTED"

	// OutcomeAuthExpired — HTTP 401, сессия истекла.
	// Эскалируется воркеру целиком, локальных повторов нет.
	OutcomeAuthExpired OutcomeKind = "AUTH_EXPIRED"

	// OutcomeFatal — несовместимость данных или протокола.
	// Повтор не поможет, чек попадает в журнал failures.
	OutcomeFatal OutcomeKind = "FATAL"
)

// Outcome — результат одной попытки отправки чека.
// Не персистируется.
type Outcome struct {
	Kind OutcomeKind

	// Code — логический код ошибки из ответа сервера (если был).
	Code string

	// Detail — полный текст ответа для ручного разбора (FATAL).
	Detail string
}

// Completed возвращает true, если чек можно записать в Ledger.
// Дубликат считается завершением: заявка уже принята ранее.
func (o Outcome) Completed() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeDuplicateSubmission
}
