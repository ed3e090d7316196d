package solver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/soliqtools/checkedit/internal/config"
	"github.com/soliqtools/checkedit/internal/telemetry"
)

// requestMaxRetries — попытки одного батча (с ротацией ключей).
const requestMaxRetries = 3

// prompt — инструкция оракулу. Формат ответа фиксирован:
// JSON-массив строк, по 6 цифр на изображение.
const prompt = `You are an OCR system for 6-digit numeric CAPTCHAs. ` +
	`Each image contains exactly 6 digits crossed by thin diagonal noise lines. ` +
	`Ignore the thin straight lines; the digits are the thicker, curved strokes. ` +
	`Return a JSON array of strings, one per image, in order. ` +
	`Each string must be exactly 6 digits (0-9). Example: ["123456", "789012"]`

// Solver решает батчи CAPTCHA через generateContent-совместимый API.
type Solver struct {
	cfg     config.SolverConfig
	http    *http.Client
	logger  *slog.Logger
	limiter *rateLimiter

	mu        sync.Mutex
	key       string
	suspended map[string]struct{}
}

// New создаёт Solver для воркера с указанным ordinal.
// Ordinal определяет стартовый ключ из пула (round-robin),
// чтобы воркеры не делили один ключ без необходимости.
func New(cfg config.SolverConfig, ordinal int, logger *slog.Logger) (*Solver, error) {
	s := &Solver{
		cfg: cfg,
		http: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
		logger:    logger,
		limiter:   newRateLimiter(cfg.RPMPerKey),
		suspended: make(map[string]struct{}),
	}

	for _, k := range cfg.SuspendedKeys {
		s.suspended[k] = struct{}{}
	}

	keys := s.availableKeys()
	if len(keys) == 0 {
		return nil, fmt.Errorf("no usable solver api keys")
	}
	if ordinal < 1 {
		ordinal = 1
	}
	s.key = keys[(ordinal-1)%len(keys)]

	logger.Info("solver initialized",
		"model", cfg.Model,
		"keys", len(keys),
		"key", keyTail(s.key),
	)
	return s, nil
}

// SolveBatch решает батч изображений (base64).
//
// Батчи больше лимита оракула режутся на под-батчи с паузой между
// ними. Всегда возвращает срез длины len(images); при полном отказе
// оракула — пустые строки (вызывающий трактует их как CaptchaRejected).
func (s *Solver) SolveBatch(ctx context.Context, images []string) []string {
	if len(images) == 0 {
		return nil
	}

	max := s.cfg.MaxImagesPerBatch
	if len(images) <= max {
		return s.solveOne(ctx, images)
	}

	results := make([]string, 0, len(images))
	for start := 0; start < len(images); start += max {
		end := start + max
		if end > len(images) {
			end = len(images)
		}
		results = append(results, s.solveOne(ctx, images[start:end])...)

		if end < len(images) {
			select {
			case <-time.After(time.Duration(s.cfg.BatchCooldownMs) * time.Millisecond):
			case <-ctx.Done():
				// Остаток без ответа.
				for len(results) < len(images) {
					results = append(results, "")
				}
				return results
			}
		}
	}
	return results
}

// solveOne выполняет один вызов оракула с ротацией ключей.
func (s *Solver) solveOne(ctx context.Context, images []string) []string {
	empty := make([]string, len(images))

	for attempt := 1; attempt <= requestMaxRetries; attempt++ {
		key := s.currentKey()
		if key == "" {
			s.logger.Error("all solver keys are suspended")
			return empty
		}

		if err := s.limiter.wait(ctx, key); err != nil {
			return empty
		}
		s.limiter.record(key)

		status, body, err := s.request(ctx, key, images)
		if err != nil {
			if ctx.Err() != nil {
				return empty
			}
			telemetry.SolverRequests.WithLabelValues("error").Inc()
			s.logger.Warn("solver request failed", "error", err, "attempt", attempt)
			s.rotateKey(false)
			continue
		}

		switch {
		case status == http.StatusOK:
			values, err := parseAnswers(body, len(images))
			if err != nil {
				telemetry.SolverRequests.WithLabelValues("error").Inc()
				s.logger.Warn("solver returned unparseable answer", "error", err)
				return empty
			}
			telemetry.SolverRequests.WithLabelValues("ok").Inc()
			return values

		case status == http.StatusTooManyRequests:
			telemetry.SolverRequests.WithLabelValues("rate_limited").Inc()
			s.logger.Warn("solver rate limited, backing off",
				"key", keyTail(key), "backoff_ms", s.cfg.RateLimitBackoffMs)
			select {
			case <-time.After(time.Duration(s.cfg.RateLimitBackoffMs) * time.Millisecond):
			case <-ctx.Done():
				return empty
			}
			s.rotateKey(false)

		case status == http.StatusForbidden:
			// Блокировка ключа вендором — исключаем его навсегда.
			telemetry.SolverRequests.WithLabelValues("error").Inc()
			suspended := strings.Contains(strings.ToLower(string(body)), "suspended") ||
				strings.Contains(strings.ToLower(string(body)), "permission denied")
			s.logger.Error("solver key rejected", "key", keyTail(key), "suspended", suspended)
			s.rotateKey(suspended)

		default:
			telemetry.SolverRequests.WithLabelValues("error").Inc()
			s.logger.Warn("solver api error", "status", status, "body", string(body[:min(len(body), 200)]))
			s.rotateKey(false)
		}
	}

	return empty
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// parseAnswers разбирает JSON-массив ответов, выравнивая длину
// под количество изображений.
func parseAnswers(body []byte, want int) ([]string, error) {
	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("empty candidates")
	}

	var values []string
	if err := json.Unmarshal([]byte(resp.Candidates[0].Content.Parts[0].Text), &values); err != nil {
		return nil, fmt.Errorf("decode answer array: %w", err)
	}

	for len(values) < want {
		values = append(values, "")
	}
	return values[:want], nil
}

// request выполняет один HTTP-вызов generateContent.
func (s *Solver) request(ctx context.Context, key string, images []string) (int, []byte, error) {
	parts := []map[string]any{{"text": prompt}}
	for _, img := range images {
		parts = append(parts, map[string]any{
			"inline_data": map[string]any{
				"mime_type": "image/jpeg",
				"data":      img,
			},
		})
	}

	payload := map[string]any{
		"contents": []map[string]any{{"parts": parts}},
		"generationConfig": map[string]any{
			"response_mime_type": "application/json",
			"temperature":        0.15,
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", s.cfg.Endpoint, s.cfg.Model, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(data)))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}

	return resp.StatusCode, body, nil
}

func (s *Solver) currentKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, bad := s.suspended[s.key]; bad {
		s.key = ""
	}
	if s.key == "" {
		keys := s.availableKeysLocked()
		if len(keys) > 0 {
			s.key = keys[rand.Intn(len(keys))]
		}
	}
	return s.key
}

// rotateKey переключается на другой доступный ключ.
// markSuspended исключает текущий ключ из пула навсегда.
func (s *Solver) rotateKey(markSuspended bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if markSuspended && s.key != "" {
		s.suspended[s.key] = struct{}{}
	}

	keys := s.availableKeysLocked()
	if len(keys) == 0 {
		s.key = ""
		return
	}
	next := keys[rand.Intn(len(keys))]
	if next != s.key {
		s.logger.Info("solver key rotated", "key", keyTail(next))
	}
	s.key = next
}

func (s *Solver) availableKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availableKeysLocked()
}

func (s *Solver) availableKeysLocked() []string {
	var keys []string
	for _, k := range s.cfg.APIKeys {
		if _, bad := s.suspended[k]; !bad {
			keys = append(keys, k)
		}
	}
	return keys
}

// keyTail — поcледние символы ключа для логов (ключ не логируем целиком).
func keyTail(key string) string {
	if len(key) <= 6 {
		return key
	}
	return "..." + key[len(key)-6:]
}
