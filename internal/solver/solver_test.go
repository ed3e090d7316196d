package solver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soliqtools/checkedit/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// oracleResponse собирает generateContent-ответ с данным JSON-массивом.
func oracleResponse(answers []string) []byte {
	text, _ := json.Marshal(answers)
	body, _ := json.Marshal(map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"parts": []map[string]any{{"text": string(text)}},
			},
		}},
	})
	return body
}

func testConfig(endpoint string) config.SolverConfig {
	return config.SolverConfig{
		Endpoint:           endpoint,
		Model:              "test-model",
		APIKeys:            []string{"key-a", "key-b"},
		MaxImagesPerBatch:  20,
		BatchCooldownMs:    1,
		RPMPerKey:          60000,
		RateLimitBackoffMs: 1,
		TimeoutSec:         5,
	}
}

func TestSolveBatch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(oracleResponse([]string{"111111", "222222"}))
	}))
	defer srv.Close()

	s, err := New(testConfig(srv.URL), 1, testLogger())
	if err != nil {
		t.Fatalf("new solver: %v", err)
	}

	got := s.SolveBatch(context.Background(), []string{"imgA", "imgB"})
	if len(got) != 2 || got[0] != "111111" || got[1] != "222222" {
		t.Errorf("got %v, want [111111 222222]", got)
	}
}

func TestSolveBatch_PadsShortAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Oracle returned one answer for three images
		w.Write(oracleResponse([]string{"111111"}))
	}))
	defer srv.Close()

	s, err := New(testConfig(srv.URL), 1, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	got := s.SolveBatch(context.Background(), []string{"a", "b", "c"})
	if len(got) != 3 {
		t.Fatalf("got %d answers, want 3", len(got))
	}
	if got[0] != "111111" || got[1] != "" || got[2] != "" {
		t.Errorf("got %v, want padding with empty strings", got)
	}
}

func TestSolveBatch_SplitsIntoSubBatches(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)

		var payload struct {
			Contents []struct {
				Parts []json.RawMessage `json:"parts"`
			} `json:"contents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		// prompt part + image parts
		n := len(payload.Contents[0].Parts) - 1
		answers := make([]string, n)
		for i := range answers {
			answers[i] = fmt.Sprintf("%06d", i)
		}
		w.Write(oracleResponse(answers))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxImagesPerBatch = 2

	s, err := New(cfg, 1, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	got := s.SolveBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	if len(got) != 5 {
		t.Fatalf("got %d answers, want 5", len(got))
	}
	// 5 images, 2 per batch: 3 requests
	if n := requests.Load(); n != 3 {
		t.Errorf("%d oracle requests, want 3", n)
	}
	for i, v := range got {
		if v == "" {
			t.Errorf("position %d unsolved", i)
		}
	}
}

func TestSolveBatch_UnparseableAnswerGivesEmptyStrings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates": []}`))
	}))
	defer srv.Close()

	s, err := New(testConfig(srv.URL), 1, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	got := s.SolveBatch(context.Background(), []string{"a", "b"})
	if len(got) != 2 || got[0] != "" || got[1] != "" {
		t.Errorf("got %v, want two empty strings", got)
	}
}

func TestSolveBatch_RetriesAfter429(t *testing.T) {
	var keys []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys = append(keys, r.URL.Query().Get("key"))
		if len(keys) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write(oracleResponse([]string{"123456"}))
	}))
	defer srv.Close()

	s, err := New(testConfig(srv.URL), 1, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	got := s.SolveBatch(context.Background(), []string{"img"})
	if got[0] != "123456" {
		t.Fatalf("got %v, want solved after key rotation", got)
	}
	if len(keys) != 2 {
		t.Fatalf("%d requests, want 2", len(keys))
	}
}

func TestNew_OrdinalSelectsKey(t *testing.T) {
	cfg := testConfig("http://unused")

	s1, err := New(cfg, 1, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s2, err := New(cfg, 2, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	s3, err := New(cfg, 3, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	// Round-robin across the key pool by worker ordinal
	if s1.currentKey() != "key-a" || s2.currentKey() != "key-b" || s3.currentKey() != "key-a" {
		t.Errorf("keys = %s, %s, %s", s1.currentKey(), s2.currentKey(), s3.currentKey())
	}
}

func TestNew_AllKeysSuspended(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.SuspendedKeys = []string{"key-a", "key-b"}

	if _, err := New(cfg, 1, testLogger()); err == nil {
		t.Error("expected error when every key is suspended")
	}
}

// --- rateLimiter Tests ---

func TestRateLimiter_MinInterval(t *testing.T) {
	r := newRateLimiter(60) // 1 запрос в секунду
	now := time.Now()

	if d := r.delayFor("k", now); d != 0 {
		t.Errorf("first request should not wait, got %v", d)
	}

	r.record("k")
	if d := r.delayFor("k", time.Now()); d <= 0 {
		t.Error("second immediate request should wait")
	}
}

func TestRateLimiter_FullWindow(t *testing.T) {
	r := newRateLimiter(2)
	r.record("k")
	r.record("k")

	d := r.delayFor("k", time.Now())
	// Window is full: wait for the oldest mark to age out
	if d < 50*time.Second {
		t.Errorf("expected a near-minute delay, got %v", d)
	}
}

func TestRateLimiter_KeysIndependent(t *testing.T) {
	r := newRateLimiter(2)
	r.record("a")
	r.record("a")

	if d := r.delayFor("b", time.Now()); d != 0 {
		t.Errorf("key b should not wait for key a, got %v", d)
	}
}
