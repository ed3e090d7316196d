package portal

import (
	"errors"
	"testing"

	"github.com/soliqtools/checkedit/internal/config"
	"github.com/soliqtools/checkedit/internal/domain"
)

// Код-таблица теста — фикстура конкретного вендора, не контракт.
func testCodes() config.CodesConfig {
	return config.CodesConfig{
		Duplicate:        []string{"9099"},
		Retryable:        []string{"9999"},
		Captcha:          []string{"1018"},
		CaptchaSubstring: "captcha",
	}
}

func TestClassify_Success(t *testing.T) {
	c := NewClassifier(testCodes())
	out := c.Classify(200, []byte(`{"success": true}`))
	if out.Kind != domain.OutcomeSuccess {
		t.Errorf("got %s, want SUCCESS", out.Kind)
	}
}

func TestClassify_AuthExpiredWinsOverBody(t *testing.T) {
	c := NewClassifier(testCodes())

	// 401 classifies as AuthExpired no matter what the body says
	out := c.Classify(401, []byte(`{"success": true, "code": "9099"}`))
	if out.Kind != domain.OutcomeAuthExpired {
		t.Errorf("got %s, want AUTH_EXPIRED", out.Kind)
	}

	out = c.Classify(401, []byte(`not json at all`))
	if out.Kind != domain.OutcomeAuthExpired {
		t.Errorf("unparseable 401: got %s, want AUTH_EXPIRED", out.Kind)
	}
}

func TestClassify_DuplicateBeatsGenericFailure(t *testing.T) {
	c := NewClassifier(testCodes())

	// Regression guard: duplicate code with success=false is still
	// a duplicate (the submission already exists), not a fatal error.
	out := c.Classify(200, []byte(`{"success": false, "code": "9099", "message": "already exists"}`))
	if out.Kind != domain.OutcomeDuplicateSubmission {
		t.Fatalf("got %s, want DUPLICATE", out.Kind)
	}
	if !out.Completed() {
		t.Error("duplicate should count as completed")
	}
}

func TestClassify_NumericCode(t *testing.T) {
	c := NewClassifier(testCodes())

	// The portal is inconsistent about code types: string or number
	out := c.Classify(200, []byte(`{"success": false, "code": 9099}`))
	if out.Kind != domain.OutcomeDuplicateSubmission {
		t.Errorf("numeric code: got %s, want DUPLICATE", out.Kind)
	}
}

func TestClassify_Retryable(t *testing.T) {
	c := NewClassifier(testCodes())
	out := c.Classify(500, []byte(`{"success": false, "code": "9999"}`))
	if out.Kind != domain.OutcomeRetryableServerError {
		t.Errorf("got %s, want RETRYABLE_SERVER_ERROR", out.Kind)
	}
}

func TestClassify_CaptchaByCode(t *testing.T) {
	c := NewClassifier(testCodes())
	out := c.Classify(200, []byte(`{"success": false, "code": "1018"}`))
	if out.Kind != domain.OutcomeCaptchaRejected {
		t.Errorf("got %s, want CAPTCHA_REJECTED", out.Kind)
	}
}

func TestClassify_CaptchaBySubstring(t *testing.T) {
	c := NewClassifier(testCodes())

	out := c.Classify(200, []byte(`{"success": false, "message": "Captcha is invalid"}`))
	if out.Kind != domain.OutcomeCaptchaRejected {
		t.Errorf("message substring: got %s, want CAPTCHA_REJECTED", out.Kind)
	}

	out = c.Classify(200, []byte(`{"success": false, "reason": "wrong CAPTCHA value"}`))
	if out.Kind != domain.OutcomeCaptchaRejected {
		t.Errorf("reason substring: got %s, want CAPTCHA_REJECTED", out.Kind)
	}
}

func TestClassify_ReasonObjectCode(t *testing.T) {
	c := NewClassifier(testCodes())

	// Some endpoints nest the code inside a reason object
	out := c.Classify(200, []byte(`{"success": false, "reason": {"code": "9999"}}`))
	if out.Kind != domain.OutcomeRetryableServerError {
		t.Errorf("nested code: got %s, want RETRYABLE_SERVER_ERROR", out.Kind)
	}
}

func TestClassify_UnknownIsFatal(t *testing.T) {
	c := NewClassifier(testCodes())

	out := c.Classify(200, []byte(`{"success": false, "code": "777", "message": "weird"}`))
	if out.Kind != domain.OutcomeFatal {
		t.Fatalf("got %s, want FATAL", out.Kind)
	}
	if out.Code != "777" {
		t.Errorf("code = %s, want 777", out.Code)
	}
	if out.Detail == "" {
		t.Error("fatal outcome should carry the response body")
	}
}

func TestClassify_UnparseableBodyIsFatal(t *testing.T) {
	c := NewClassifier(testCodes())
	out := c.Classify(502, []byte(`<html>Bad Gateway</html>`))
	if out.Kind != domain.OutcomeFatal {
		t.Errorf("got %s, want FATAL", out.Kind)
	}
}

func TestClassifyTransportError(t *testing.T) {
	c := NewClassifier(testCodes())
	out := c.ClassifyTransportError(errors.New("connection reset"))
	if out.Kind != domain.OutcomeRetryableServerError {
		t.Errorf("got %s, want RETRYABLE_SERVER_ERROR", out.Kind)
	}
}
