package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/soliqtools/checkedit/internal/config"
	"github.com/soliqtools/checkedit/internal/domain"
	"github.com/soliqtools/checkedit/internal/portal"
	"github.com/soliqtools/checkedit/internal/session"
	"github.com/soliqtools/checkedit/internal/telemetry"
)

// PortalClient — операции портала, нужные конвейеру.
// Реализуется portal.Client; в тестах подменяется заглушкой.
type PortalClient interface {
	GetCaptcha(ctx context.Context) (*portal.Captcha, uint64, error)
	UploadAttachment(ctx context.Context, item domain.WorkItem) (string, uint64, error)
	SubmitEdit(ctx context.Context, item domain.WorkItem, captchaID, captchaValue, fileID string) (domain.Outcome, uint64, error)
}

// CaptchaSolver решает батч изображений CAPTCHA.
type CaptchaSolver interface {
	SolveBatch(ctx context.Context, images []string) []string
}

// ItemResult — итог обработки одного элемента внутри чанка.
type ItemResult struct {
	Item    domain.WorkItem
	Outcome domain.Outcome
}

// ChunkResult — итог обработки чанка. Каждый входной элемент
// попадает ровно в один из двух срезов: Results (есть вердикт)
// или Requeue (обработка прервана, элемент нужно вернуть в очередь
// без увеличения счётчика повторов).
type ChunkResult struct {
	Results []ItemResult
	Requeue []domain.WorkItem
	// AuthExpired — чанк прерван из-за протухшей сессии; воркер
	// должен дождаться свежего токена перед следующим чанком.
	AuthExpired bool
}

// Pipeline обрабатывает чанк в три фазы: параллельная подготовка
// (CAPTCHA + вложение), одно батчевое решение CAPTCHA, параллельная
// отправка. Батчевое решение — ключ к пропускной способности: один
// вызов оракула на весь чанк вместо вызова на элемент.
type Pipeline struct {
	cfg    config.PipelineConfig
	retry  config.RetryConfig
	portal PortalClient
	solver CaptchaSolver
	sess   *session.Session
	logger *slog.Logger
}

// New создаёт конвейер.
func New(cfg config.PipelineConfig, retry config.RetryConfig, pc PortalClient, cs CaptchaSolver, sess *session.Session, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		retry:  retry,
		portal: pc,
		solver: cs,
		sess:   sess,
		logger: logger,
	}
}

// prepared — элемент после первой фазы.
type prepared struct {
	item      domain.WorkItem
	captchaID string
	image     string
	fileID    string

	// failure выставлен, если подготовка не удалась; элемент
	// минует фазы решения и отправки.
	failure *domain.Outcome
	// requeue выставлен, если элемент не был обработан из-за
	// обрыва чанка.
	requeue bool
}

// ProcessChunk прогоняет чанк через все три фазы.
func (p *Pipeline) ProcessChunk(ctx context.Context, items []domain.WorkItem) ChunkResult {
	start := time.Now()
	defer func() {
		telemetry.ChunkDuration.Observe(time.Since(start).Seconds())
	}()

	chunkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// authExpired взводится первой горутиной, поймавшей 401;
	// она же эскалирует сессию и обрывает чанк.
	var authExpired bool
	var authMu sync.Mutex
	escalate := func(gen uint64) {
		authMu.Lock()
		defer authMu.Unlock()
		if p.sess.MarkExpired(gen) {
			p.logger.Warn("session expired, aborting chunk")
		}
		authExpired = true
		cancel()
	}

	preps := p.prepare(chunkCtx, items, escalate)
	p.solve(chunkCtx, preps)
	results := p.submit(chunkCtx, preps, escalate)

	authMu.Lock()
	expired := authExpired
	authMu.Unlock()

	var out ChunkResult
	out.AuthExpired = expired
	for i := range preps {
		if preps[i].requeue {
			out.Requeue = append(out.Requeue, preps[i].item)
		}
	}
	out.Results = results
	return out
}

// prepare — фаза 1: для каждого элемента параллельно получить
// CAPTCHA и загрузить вложение. Пул ограничен PrepareWorkers,
// запуски разнесены по времени, чтобы не создавать всплеск
// запросов к порталу.
func (p *Pipeline) prepare(ctx context.Context, items []domain.WorkItem, escalate func(uint64)) []prepared {
	preps := make([]prepared, len(items))
	for i := range items {
		preps[i].item = items[i]
	}

	sem := make(chan struct{}, p.cfg.PrepareWorkers)
	var wg sync.WaitGroup

	stagger := time.Duration(p.cfg.PrepareStaggerMs) * time.Millisecond
	for i := range preps {
		if ctx.Err() != nil {
			for j := i; j < len(preps); j++ {
				preps[j].requeue = true
			}
			break
		}
		if i > 0 && stagger > 0 {
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
			}
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(pr *prepared) {
			defer wg.Done()
			defer func() { <-sem }()
			p.prepareOne(ctx, pr, escalate)
		}(&preps[i])
	}
	wg.Wait()
	return preps
}

func (p *Pipeline) prepareOne(ctx context.Context, pr *prepared, escalate func(uint64)) {
	if ctx.Err() != nil {
		pr.requeue = true
		return
	}

	captcha, gen, err := p.portal.GetCaptcha(ctx)
	if err != nil {
		p.prepareFailed(ctx, pr, gen, err, escalate)
		return
	}

	fileID, gen, err := p.portal.UploadAttachment(ctx, pr.item)
	if err != nil {
		p.prepareFailed(ctx, pr, gen, err, escalate)
		return
	}

	pr.captchaID = captcha.ID
	pr.image = captcha.Image
	pr.fileID = fileID
}

// prepareFailed классифицирует отказ подготовки. Протухшая сессия
// обрывает чанк; остальные отказы считаются неудачной попыткой
// CAPTCHA — элемент вернётся в очередь под потолком повторов.
func (p *Pipeline) prepareFailed(ctx context.Context, pr *prepared, gen uint64, err error, escalate func(uint64)) {
	switch {
	case errors.Is(err, portal.ErrAuthExpired):
		escalate(gen)
		pr.requeue = true
	case ctx.Err() != nil:
		pr.requeue = true
	default:
		p.logger.Warn("prepare failed",
			"item_id", pr.item.ItemID, "error", err)
		pr.failure = &domain.Outcome{
			Kind:   domain.OutcomeCaptchaRejected,
			Detail: fmt.Sprintf("prepare: %v", err),
		}
	}
}

// solve — фаза 2: одно батчевое решение для всех подготовленных
// элементов. Отказ оракула означает пустые ответы; такие элементы
// трактуются как отклонённая CAPTCHA и вернутся в очередь.
func (p *Pipeline) solve(ctx context.Context, preps []prepared) {
	var images []string
	var idx []int
	for i := range preps {
		if preps[i].failure == nil && !preps[i].requeue {
			images = append(images, preps[i].image)
			idx = append(idx, i)
		}
	}
	if len(images) == 0 {
		return
	}
	if ctx.Err() != nil {
		for _, i := range idx {
			preps[i].requeue = true
		}
		return
	}

	answers := p.solver.SolveBatch(ctx, images)
	for n, i := range idx {
		answer := ""
		if n < len(answers) {
			answer = answers[n]
		}
		if answer == "" {
			preps[i].failure = &domain.Outcome{
				Kind:   domain.OutcomeCaptchaRejected,
				Detail: "solver returned no answer",
			}
			continue
		}
		// Ответ кладём на место изображения: дальше оно не нужно.
		preps[i].image = answer
	}
}

// submit — фаза 3: параллельная отправка с повторами при
// временных ошибках сервера. Повторы выполняются на месте,
// не возвращая элемент в очередь.
func (p *Pipeline) submit(ctx context.Context, preps []prepared, escalate func(uint64)) []ItemResult {
	results := make([]*domain.Outcome, len(preps))

	sem := make(chan struct{}, p.cfg.SubmitWorkers)
	var wg sync.WaitGroup

	stagger := time.Duration(p.cfg.SubmitStaggerMs) * time.Millisecond
	launched := 0
	for i := range preps {
		if preps[i].failure != nil || preps[i].requeue {
			continue
		}
		if ctx.Err() != nil {
			preps[i].requeue = true
			continue
		}
		if launched > 0 && stagger > 0 {
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
			}
		}
		launched++

		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = p.submitOne(ctx, &preps[i], escalate)
		}(i)
	}
	wg.Wait()

	var out []ItemResult
	for i := range preps {
		switch {
		case preps[i].requeue:
			// Уйдёт в ChunkResult.Requeue.
		case results[i] != nil:
			out = append(out, ItemResult{Item: preps[i].item, Outcome: *results[i]})
		case preps[i].failure != nil:
			out = append(out, ItemResult{Item: preps[i].item, Outcome: *preps[i].failure})
		}
	}
	return out
}

// submitOne отправляет один элемент, повторяя при временных
// ошибках сервера с экспоненциальной задержкой. nil означает,
// что элемент нужно вернуть в очередь (requeue взведён).
func (p *Pipeline) submitOne(ctx context.Context, pr *prepared, escalate func(uint64)) *domain.Outcome {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			pr.requeue = true
			return nil
		}

		outcome, gen, err := p.portal.SubmitEdit(ctx, pr.item, pr.captchaID, pr.image, pr.fileID)
		if err != nil {
			if ctx.Err() != nil {
				pr.requeue = true
				return nil
			}
			outcome = domain.Outcome{Kind: domain.OutcomeRetryableServerError, Detail: err.Error()}
		}

		telemetry.SubmissionsTotal.WithLabelValues(string(outcome.Kind)).Inc()

		switch outcome.Kind {
		case domain.OutcomeAuthExpired:
			escalate(gen)
			pr.requeue = true
			return nil

		case domain.OutcomeRetryableServerError:
			if attempt >= p.retry.ServerMaxRetries {
				p.logger.Error("server retries exhausted",
					"item_id", pr.item.ItemID, "attempts", attempt+1, "detail", outcome.Detail)
				return &outcome
			}
			delay := Jitter(Delay(p.retry.ServerBaseDelayMs, p.retry.ServerMaxDelayMs, attempt))
			p.logger.Warn("retryable server error, backing off",
				"item_id", pr.item.ItemID, "attempt", attempt+1, "delay", delay, "code", outcome.Code)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				pr.requeue = true
				return nil
			}

		default:
			return &outcome
		}
	}
}
