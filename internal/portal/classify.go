package portal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/soliqtools/checkedit/internal/config"
	"github.com/soliqtools/checkedit/internal/domain"
)

// Classifier отображает сырой ответ портала в domain.Outcome.
//
// Порядок правил важен: код дубликата проверяется раньше общих
// ошибок, иначе фактически принятая ранее заявка будет записана
// как постоянная неудача.
type Classifier struct {
	codes config.CodesConfig
}

// NewClassifier создаёт классификатор с таблицей кодов из конфигурации.
func NewClassifier(codes config.CodesConfig) *Classifier {
	return &Classifier{codes: codes}
}

// submitResponse — релевантная часть ответа портала.
// Reason бывает строкой или объектом с собственным code.
type submitResponse struct {
	Success bool            `json:"success"`
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Reason  json.RawMessage `json:"reason"`
}

// Classify классифицирует HTTP-ответ портала.
//
// Приоритет правил:
//  1. 401 → AUTH_EXPIRED
//  2. success=true → SUCCESS
//  3. код дубликата → DUPLICATE (успех: заявка уже есть)
//  4. код перегрузки → RETRYABLE_SERVER_ERROR
//  5. код CAPTCHA или подстрока в сообщении → CAPTCHA_REJECTED
//  6. всё остальное → FATAL с полным телом ответа
func (c *Classifier) Classify(status int, body []byte) domain.Outcome {
	if status == http.StatusUnauthorized {
		return domain.Outcome{Kind: domain.OutcomeAuthExpired}
	}

	var resp submitResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Outcome{
			Kind:   domain.OutcomeFatal,
			Detail: fmt.Sprintf("HTTP %d, unparseable body: %s", status, truncate(body, 300)),
		}
	}

	if status == http.StatusOK && resp.Success {
		return domain.Outcome{Kind: domain.OutcomeSuccess}
	}

	code := extractCode(resp)
	reason := rawToString(resp.Reason)

	switch {
	case contains(c.codes.Duplicate, code):
		return domain.Outcome{Kind: domain.OutcomeDuplicateSubmission, Code: code}
	case contains(c.codes.Retryable, code):
		return domain.Outcome{Kind: domain.OutcomeRetryableServerError, Code: code}
	case contains(c.codes.Captcha, code),
		c.codes.CaptchaSubstring != "" &&
			(containsFold(resp.Message, c.codes.CaptchaSubstring) ||
				containsFold(reason, c.codes.CaptchaSubstring)):
		return domain.Outcome{Kind: domain.OutcomeCaptchaRejected, Code: code}
	}

	return domain.Outcome{
		Kind:   domain.OutcomeFatal,
		Code:   code,
		Detail: fmt.Sprintf("HTTP %d: %s", status, truncate(body, 500)),
	}
}

// ClassifyTransportError классифицирует сетевую ошибку без HTTP-ответа
// (таймаут, обрыв соединения): трактуется как временная.
func (c *Classifier) ClassifyTransportError(err error) domain.Outcome {
	return domain.Outcome{
		Kind:   domain.OutcomeRetryableServerError,
		Detail: err.Error(),
	}
}

// extractCode достаёт логический код: верхнеуровневый code,
// иначе reason.code (оба бывают строкой или числом).
func extractCode(resp submitResponse) string {
	if code := rawScalar(resp.Code); code != "" {
		return code
	}

	var reasonObj struct {
		Code json.RawMessage `json:"code"`
	}
	if len(resp.Reason) > 0 && json.Unmarshal(resp.Reason, &reasonObj) == nil {
		return rawScalar(reasonObj.Code)
	}
	return ""
}

// rawScalar приводит JSON-скаляр (строку или число) к строке.
func rawScalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func contains(codes []string, code string) bool {
	if code == "" {
		return false
	}
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

func truncate(b []byte, maxLen int) string {
	s := string(b)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
