package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config — полная конфигурация процесса.
//
// Загружается из YAML-файла; секреты (bearer token, ключи OCR)
// подтягиваются из отдельного env-файла сессии (см. пакет session).
type Config struct {
	Portal     PortalConfig     `yaml:"portal"`
	Session    SessionConfig    `yaml:"session"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Retry      RetryConfig      `yaml:"retry"`
	Codes      CodesConfig      `yaml:"codes"`
	Solver     SolverConfig     `yaml:"solver"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Sources    []string         `yaml:"sources"`
	DataDir    string           `yaml:"data_dir"`
}

// PortalConfig — эндпоинты и константы налогового портала.
type PortalConfig struct {
	BaseURL     string `yaml:"base_url"`
	CaptchaPath string `yaml:"captcha_path"`
	SubmitPath  string `yaml:"submit_path"`
	UploadPath  string `yaml:"upload_path"`

	// TimeoutSec — таймаут одного HTTP-запроса (загрузка файла медленная).
	TimeoutSec int `yaml:"timeout_sec"`

	// DefaultTIN / DefaultTerminalID — значения для строк источника
	// без собственных tin / terminalId.
	DefaultTIN        string `yaml:"default_tin"`
	DefaultTerminalID string `yaml:"default_terminal_id"`

	// PinCode и InteractiveID — константы протокола загрузки файла.
	PinCode       string `yaml:"pin_code"`
	InteractiveID int    `yaml:"interactive_id"`

	// AttachmentFile — ZIP, прикладываемый к каждой заявке.
	AttachmentFile string `yaml:"attachment_file"`
	AttachmentName string `yaml:"attachment_name"`
}

// SessionConfig — параметры авторизации.
type SessionConfig struct {
	// TokenFile — env-файл с bearer token, который пишет внешний
	// помощник (браузерный login flow).
	TokenFile string `yaml:"token_file"`

	// RefreshIntervalMin — период планового перечитывания токена.
	RefreshIntervalMin int `yaml:"refresh_interval_min"`

	// MaxEscalations — сколько раз воркер ждёт обновления сессии,
	// прежде чем завершиться с ошибкой.
	MaxEscalations int `yaml:"max_escalations"`
}

// PipelineConfig — параметры Batch Pipeline.
type PipelineConfig struct {
	// ChunkSize — размер chunk'а (B).
	ChunkSize int `yaml:"chunk_size"`

	// PrepareWorkers / SubmitWorkers — размеры ограниченных пулов (P, P').
	PrepareWorkers int `yaml:"prepare_workers"`
	SubmitWorkers  int `yaml:"submit_workers"`

	// PrepareStaggerMs / SubmitStaggerMs — фиксированная пауза перед
	// каждым сетевым вызовом для сглаживания нагрузки. Не влияет
	// на корректность.
	PrepareStaggerMs int `yaml:"prepare_stagger_ms"`
	SubmitStaggerMs  int `yaml:"submit_stagger_ms"`
}

// RetryConfig — потолки и задержки повторов.
type RetryConfig struct {
	// CaptchaMaxRetries — лимит requeue после CAPTCHA-ошибок.
	CaptchaMaxRetries int `yaml:"captcha_max_retries"`

	// ServerMaxRetries — лимит повторов при временной ошибке сервера.
	ServerMaxRetries int `yaml:"server_max_retries"`

	// ServerBaseDelayMs / ServerMaxDelayMs — экспоненциальный backoff:
	// delay = min(base * 2^attempt, max), джиттер ×[0.5, 1.5].
	ServerBaseDelayMs int `yaml:"server_base_delay_ms"`
	ServerMaxDelayMs  int `yaml:"server_max_delay_ms"`
}

// CodesConfig — таблица логических кодов ответа портала.
//
// Коды привязаны к конкретному вендору и могут меняться,
// поэтому это конфигурация, а не константы классификатора.
type CodesConfig struct {
	// Duplicate — «заявка по чеку уже существует» (трактуется как успех).
	Duplicate []string `yaml:"duplicate"`

	// Retryable — временная перегрузка сервера.
	Retryable []string `yaml:"retryable"`

	// Captcha — отклонённая CAPTCHA.
	Captcha []string `yaml:"captcha"`

	// CaptchaSubstring — запасная проверка по подстроке сообщения.
	CaptchaSubstring string `yaml:"captcha_substring"`
}

// SolverConfig — параметры OCR-оракула (vision LLM).
type SolverConfig struct {
	// Endpoint — базовый URL generateContent-совместимого API.
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`

	// APIKeys — пул ключей; воркер выбирает стартовый ключ по
	// своему ordinal (round-robin). SuspendedKeys исключаются.
	APIKeys       []string `yaml:"api_keys"`
	SuspendedKeys []string `yaml:"suspended_keys"`

	// MaxImagesPerBatch — лимит изображений в одном вызове (лимит оракула).
	MaxImagesPerBatch int `yaml:"max_images_per_batch"`

	// BatchCooldownMs — пауза между под-батчами одного chunk'а.
	BatchCooldownMs int `yaml:"batch_cooldown_ms"`

	// RPMPerKey — requests per minute на один ключ.
	RPMPerKey int `yaml:"rpm_per_key"`

	// RateLimitBackoffMs — пауза после HTTP 429.
	RateLimitBackoffMs int `yaml:"rate_limit_backoff_ms"`

	TimeoutSec int `yaml:"timeout_sec"`
}

// SupervisorConfig — параметры супервизора воркеров.
type SupervisorConfig struct {
	// WorkersPerSource — сколько воркеров запускается на источник
	// при старте. По мере осушения источников их воркеры
	// перераспределяются.
	WorkersPerSource int `yaml:"workers_per_source"`

	// MonitorIntervalSec — период опроса леджеров и процессов.
	MonitorIntervalSec int `yaml:"monitor_interval_sec"`

	// WorkerBinary — путь к бинарю воркера.
	WorkerBinary string `yaml:"worker_binary"`
}

// Значения по умолчанию (подобраны по рабочим прогонам).
const (
	defaultChunkSize         = 50
	defaultPrepareWorkers    = 20
	defaultSubmitWorkers     = 20
	defaultPrepareStaggerMs  = 200
	defaultSubmitStaggerMs   = 150
	defaultCaptchaRetries    = 2
	defaultServerRetries     = 5
	defaultServerBaseDelayMs = 2000
	defaultServerMaxDelayMs  = 30000
	defaultTimeoutSec        = 120
	defaultRefreshMin        = 20
	defaultMaxEscalations    = 3
	defaultMaxImagesPerBatch = 20
	defaultBatchCooldownMs   = 500
	defaultRPMPerKey         = 14
	defaultRateBackoffMs     = 15000
	defaultSolverTimeoutSec  = 60
	defaultWorkersPerSource  = 2
	defaultMonitorSec        = 5
	defaultWorkerBinary      = "checkedit-worker"
)

// Load читает и разбирает YAML-конфигурацию, применяя дефолты.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Portal.TimeoutSec <= 0 {
		c.Portal.TimeoutSec = defaultTimeoutSec
	}
	if c.Session.RefreshIntervalMin <= 0 {
		c.Session.RefreshIntervalMin = defaultRefreshMin
	}
	if c.Session.MaxEscalations <= 0 {
		c.Session.MaxEscalations = defaultMaxEscalations
	}
	if c.Pipeline.ChunkSize <= 0 {
		c.Pipeline.ChunkSize = defaultChunkSize
	}
	if c.Pipeline.PrepareWorkers <= 0 {
		c.Pipeline.PrepareWorkers = defaultPrepareWorkers
	}
	if c.Pipeline.SubmitWorkers <= 0 {
		c.Pipeline.SubmitWorkers = defaultSubmitWorkers
	}
	if c.Pipeline.PrepareStaggerMs < 0 {
		c.Pipeline.PrepareStaggerMs = defaultPrepareStaggerMs
	}
	if c.Pipeline.SubmitStaggerMs < 0 {
		c.Pipeline.SubmitStaggerMs = defaultSubmitStaggerMs
	}
	if c.Retry.CaptchaMaxRetries <= 0 {
		c.Retry.CaptchaMaxRetries = defaultCaptchaRetries
	}
	if c.Retry.ServerMaxRetries <= 0 {
		c.Retry.ServerMaxRetries = defaultServerRetries
	}
	if c.Retry.ServerBaseDelayMs <= 0 {
		c.Retry.ServerBaseDelayMs = defaultServerBaseDelayMs
	}
	if c.Retry.ServerMaxDelayMs <= 0 {
		c.Retry.ServerMaxDelayMs = defaultServerMaxDelayMs
	}
	if len(c.Codes.Duplicate) == 0 {
		c.Codes.Duplicate = []string{"9099"}
	}
	if len(c.Codes.Retryable) == 0 {
		c.Codes.Retryable = []string{"9999"}
	}
	if len(c.Codes.Captcha) == 0 {
		c.Codes.Captcha = []string{"1018"}
	}
	if c.Codes.CaptchaSubstring == "" {
		c.Codes.CaptchaSubstring = "captcha"
	}
	if c.Solver.MaxImagesPerBatch <= 0 {
		c.Solver.MaxImagesPerBatch = defaultMaxImagesPerBatch
	}
	if c.Solver.BatchCooldownMs <= 0 {
		c.Solver.BatchCooldownMs = defaultBatchCooldownMs
	}
	if c.Solver.RPMPerKey <= 0 {
		c.Solver.RPMPerKey = defaultRPMPerKey
	}
	if c.Solver.RateLimitBackoffMs <= 0 {
		c.Solver.RateLimitBackoffMs = defaultRateBackoffMs
	}
	if c.Solver.TimeoutSec <= 0 {
		c.Solver.TimeoutSec = defaultSolverTimeoutSec
	}
	if c.Supervisor.WorkersPerSource <= 0 {
		c.Supervisor.WorkersPerSource = defaultWorkersPerSource
	}
	if c.Supervisor.MonitorIntervalSec <= 0 {
		c.Supervisor.MonitorIntervalSec = defaultMonitorSec
	}
	if c.Supervisor.WorkerBinary == "" {
		c.Supervisor.WorkerBinary = defaultWorkerBinary
	}
	if c.DataDir == "" {
		c.DataDir = "."
	}
	if c.Session.TokenFile == "" {
		c.Session.TokenFile = ".session.env"
	}
}

// Validate проверяет обязательные поля.
func (c *Config) Validate() error {
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("portal.base_url is required")
	}
	if c.Portal.CaptchaPath == "" || c.Portal.SubmitPath == "" || c.Portal.UploadPath == "" {
		return fmt.Errorf("portal paths (captcha_path, submit_path, upload_path) are required")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	if c.Solver.Endpoint == "" {
		return fmt.Errorf("solver.endpoint is required")
	}
	if len(c.Solver.APIKeys) == 0 {
		return fmt.Errorf("solver.api_keys is required")
	}
	return nil
}

// PortalTimeout возвращает таймаут портала как time.Duration.
func (c *Config) PortalTimeout() time.Duration {
	return time.Duration(c.Portal.TimeoutSec) * time.Second
}

// RefreshInterval возвращает период перечитывания токена.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Session.RefreshIntervalMin) * time.Minute
}

// MonitorInterval возвращает период опроса супервизора.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Supervisor.MonitorIntervalSec) * time.Second
}
