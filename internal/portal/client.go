package portal

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/soliqtools/checkedit/internal/config"
	"github.com/soliqtools/checkedit/internal/domain"
	"github.com/soliqtools/checkedit/internal/session"
)

// uploadMaxRetries — повторы загрузки вложения при сетевых сбоях.
const uploadMaxRetries = 3

// Client — HTTP-клиент портала с пулом соединений.
//
// Каждый метод читает токен из Session и возвращает поколение,
// с которым был сделан вызов: воркер передаёт его в MarkExpired,
// чтобы устаревший in-flight 401 не сбрасывал свежую сессию.
type Client struct {
	http       *http.Client
	cfg        config.PortalConfig
	classifier *Classifier
	sess       *session.Session
	logger     *slog.Logger

	// attachment — содержимое ZIP, прикладываемого к каждой заявке.
	attachment []byte
}

// NewClient создаёт клиента портала и читает файл вложения.
func NewClient(cfg config.PortalConfig, codes config.CodesConfig, sess *session.Session, logger *slog.Logger) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        40,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.TimeoutSec) * time.Second,
		},
		cfg:        cfg,
		classifier: NewClassifier(codes),
		sess:       sess,
		logger:     logger,
	}

	if cfg.AttachmentFile != "" {
		data, err := os.ReadFile(cfg.AttachmentFile)
		if err != nil {
			return nil, fmt.Errorf("read attachment %s: %w", cfg.AttachmentFile, err)
		}
		c.attachment = data
		logger.Info("attachment loaded", "file", cfg.AttachmentFile, "bytes", len(data))
	}

	return c, nil
}

// Classifier возвращает классификатор исходов клиента.
func (c *Client) Classifier() *Classifier { return c.classifier }

// Captcha — полученный CAPTCHA-вызов.
type Captcha struct {
	// ID — одноразовый идентификатор (guid). Сгорает при первой проверке.
	ID string

	// Image — изображение в base64 (как отдаёт портал).
	Image string
}

type captchaResponse struct {
	Success bool `json:"success"`
	Data    struct {
		GUID    string `json:"guid"`
		Captcha string `json:"captcha"`
	} `json:"data"`
}

// GetCaptcha запрашивает CAPTCHA у портала.
// Возвращает поколение сессии, с которым выполнен вызов.
func (c *Client) GetCaptcha(ctx context.Context) (*Captcha, uint64, error) {
	status, body, gen, err := c.do(ctx, http.MethodGet, c.cfg.BaseURL+c.cfg.CaptchaPath, nil)
	if err != nil {
		return nil, gen, fmt.Errorf("%w: %v", ErrCaptchaFetch, err)
	}
	if status == http.StatusUnauthorized {
		return nil, gen, ErrAuthExpired
	}

	var resp captchaResponse
	if err := json.Unmarshal(body, &resp); err != nil || !resp.Success || resp.Data.GUID == "" {
		return nil, gen, fmt.Errorf("%w: HTTP %d: %s", ErrCaptchaFetch, status, truncate(body, 200))
	}

	return &Captcha{ID: resp.Data.GUID, Image: resp.Data.Captcha}, gen, nil
}

type uploadResponse struct {
	Success  bool   `json:"success"`
	FileGUID string `json:"fileGuid"`
	ID       string `json:"id"`
}

// UploadAttachment загружает ZIP для чека и возвращает идентификатор
// файла. Формат — JSON с base64-содержимым (не multipart), как того
// требует портал. repositoryId генерируется на каждый запрос,
// имитируя поведение браузера.
func (c *Client) UploadAttachment(ctx context.Context, item domain.WorkItem) (string, uint64, error) {
	if len(c.attachment) == 0 {
		return "", 0, ErrNoAttachment
	}

	payload := map[string]any{
		"lang":          "ru",
		"docType":       "application/x-zip-compressed",
		"pinCode":       c.cfg.PinCode,
		"repositoryId":  uuid.New().String(),
		"docDate":       time.Now().Format("02.01.2006"),
		"interactiveId": c.cfg.InteractiveID,
		"tin":           orDefault(item.TIN, c.cfg.DefaultTIN),
		"docNum":        "docNum",
		"fileName":      c.cfg.AttachmentName,
		"contentType":   "application/x-zip-compressed",
		"file":          base64.StdEncoding.EncodeToString(c.attachment),
	}

	var lastErr error
	var gen uint64
	for attempt := 1; attempt <= uploadMaxRetries; attempt++ {
		var status int
		var body []byte
		var err error
		status, body, gen, err = c.do(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.UploadPath, payload)
		if err != nil {
			if ctx.Err() != nil {
				return "", gen, ctx.Err()
			}
			lastErr = err
			c.logger.Warn("upload transport error, retrying",
				"item_id", item.ItemID, "attempt", attempt, "error", err)
			continue
		}

		if status == http.StatusUnauthorized {
			return "", gen, ErrAuthExpired
		}

		if status == http.StatusOK {
			var resp uploadResponse
			if jsonErr := json.Unmarshal(body, &resp); jsonErr == nil {
				if id := firstNonEmpty(resp.FileGUID, resp.ID); id != "" {
					return id, gen, nil
				}
			}
			lastErr = fmt.Errorf("%w: 200 without file id: %s", ErrUpload, truncate(body, 200))
			continue
		}

		lastErr = fmt.Errorf("%w: HTTP %d: %s", ErrUpload, status, truncate(body, 200))
	}

	return "", gen, lastErr
}

// SubmitEdit отправляет заявку на редактирование чека и возвращает
// классифицированный исход. Сетевая ошибка без HTTP-ответа
// классифицируется как временная (RETRYABLE_SERVER_ERROR).
func (c *Client) SubmitEdit(ctx context.Context, item domain.WorkItem, captchaID, captchaValue, fileID string) (domain.Outcome, uint64, error) {
	payload := c.buildSubmitPayload(item, captchaID, captchaValue, fileID)

	status, body, gen, err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.SubmitPath, payload)
	if err != nil {
		if ctx.Err() != nil {
			return domain.Outcome{}, gen, ctx.Err()
		}
		return c.classifier.ClassifyTransportError(err), gen, nil
	}

	return c.classifier.Classify(status, body), gen, nil
}

// buildSubmitPayload собирает payload заявки.
// Структура повторяет рабочий запрос портала: суммы обнуляются
// (vatTotal/cashTotal/cardTotal), paymentDetails содержит ровно
// одну позицию с производным id "<paymentId>-0".
func (c *Client) buildSubmitPayload(item domain.WorkItem, captchaID, captchaValue, fileID string) map[string]any {
	paymentID := item.PaymentID()
	tin := orDefault(item.TIN, c.cfg.DefaultTIN)
	terminalID := orDefault(item.TerminalID, c.cfg.DefaultTerminalID)

	return map[string]any{
		"paymentId":    paymentID,
		"vatTotal":     0,
		"cashTotal":    0,
		"cardTotal":    "0",
		"attachedFile": fileID,
		"captchaId":    captchaID,
		"captchaValue": captchaValue,
		"cardType":     "",
		"nameStatus":   true,
		"paymentDetails": []map[string]any{
			{
				"id":          paymentID + "-0",
				"paymentId":   paymentID,
				"tin":         tin,
				"pinfl":       nil,
				"name":        item.ItemID + "-check edit",
				"price":       0,
				"vat":         "0",
				"amount":      0,
				"discount":    0,
				"other":       0,
				"vatPercent":  "0",
				"paymentDate": item.PaymentDate,
				"terminalId":  nil,
				"vaucher":     0,
			},
		},
		"tin":         tin,
		"terminalId":  terminalID,
		"paymentDate": item.PaymentDate,
	}
}

// do выполняет один HTTP-запрос с текущим токеном сессии.
// Возвращает статус, тело и поколение сессии на момент вызова.
func (c *Client) do(ctx context.Context, method, url string, payload any) (int, []byte, uint64, error) {
	token, gen := c.sess.Token()

	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, gen, fmt.Errorf("marshal payload: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, gen, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, gen, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, gen, fmt.Errorf("read response: %w", err)
	}

	return resp.StatusCode, body, gen, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
