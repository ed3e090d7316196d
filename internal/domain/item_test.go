package domain

import "testing"

func TestDerivePaymentID(t *testing.T) {
	cases := []struct {
		itemID     string
		terminalID string
		want       string
	}{
		// HAR-подтверждённый формат: terminalId + 16-символьный номер
		{"26371353560", "EP000000000551", "EP0000000005510000026371353560"},
		{"5464588689", "EP000000000551", "EP0000000005510000005464588689"},
		{"1", "T1", "T10000000000000001"},
		// Номер шире поля: никакого усечения, паддинг не нужен
		{"12345678901234567", "T1", "T112345678901234567"},
	}
	for _, tc := range cases {
		if got := DerivePaymentID(tc.itemID, tc.terminalID); got != tc.want {
			t.Errorf("DerivePaymentID(%s, %s) = %s, want %s", tc.itemID, tc.terminalID, got, tc.want)
		}
	}
}

func TestWorkItem_PaymentID(t *testing.T) {
	item := WorkItem{ItemID: "42", TerminalID: "EP000000000551"}
	if got, want := item.PaymentID(), "EP0000000005510000000000000042"; got != want {
		t.Errorf("PaymentID = %s, want %s", got, want)
	}
}

func TestOutcome_Completed(t *testing.T) {
	completed := map[OutcomeKind]bool{
		OutcomeSuccess:              true,
		OutcomeDuplicateSubmission:  true,
		OutcomeRetryableServerError: false,
		OutcomeCaptchaRejected:      false,
		OutcomeAuthExpired:          false,
		OutcomeFatal:                false,
	}
	for kind, want := range completed {
		o := Outcome{Kind: kind}
		if o.Completed() != want {
			t.Errorf("%s: Completed() = %v, want %v", kind, o.Completed(), want)
		}
	}
}
