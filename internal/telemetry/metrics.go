package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Метрики воркера. Экспортируются на /metrics.
var (
	// SubmissionsTotal — количество попыток отправки по исходу.
	// label outcome: SUCCESS, DUPLICATE, RETRYABLE_SERVER_ERROR,
	// CAPTCHA_REJECTED, AUTH_EXPIRED, FATAL.
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkedit",
		Name:      "submissions_total",
		Help:      "Submission attempts by classified outcome.",
	}, []string{"outcome"})

	// ItemsCompleted — чеки, записанные в Ledger этим процессом.
	ItemsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "checkedit",
		Name:      "items_completed_total",
		Help:      "Items recorded as done in the ledger.",
	})

	// ItemsAbandoned — чеки, исключённые из повторов.
	ItemsAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "checkedit",
		Name:      "items_abandoned_total",
		Help:      "Items abandoned after exhausting retries.",
	})

	// CaptchaRetries — повторы из-за отклонённой CAPTCHA.
	CaptchaRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "checkedit",
		Name:      "captcha_retries_total",
		Help:      "Requeues caused by rejected CAPTCHA values.",
	})

	// SessionRefreshes — эскалации из-за истёкшей сессии.
	SessionRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "checkedit",
		Name:      "session_refreshes_total",
		Help:      "Session refresh escalations (HTTP 401).",
	})

	// ChunkDuration — длительность обработки одного chunk.
	ChunkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "checkedit",
		Name:      "chunk_duration_seconds",
		Help:      "Wall time of one prepare/solve/submit chunk.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})

	// LedgerSize — текущий размер шарда Ledger (по последнему Count).
	LedgerSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "checkedit",
		Name:      "ledger_items",
		Help:      "Completed item count per ledger shard.",
	}, []string{"shard"})

	// SolverRequests — вызовы OCR-оракула по результату.
	// label result: ok, error, rate_limited.
	SolverRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkedit",
		Name:      "solver_requests_total",
		Help:      "OCR oracle calls by result.",
	}, []string{"result"})
)
