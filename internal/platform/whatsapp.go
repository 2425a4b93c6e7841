package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/remindrelay/internal/config"
	"github.com/shohag/remindrelay/internal/models"
	"github.com/shohag/remindrelay/internal/signing"
)

const whatsappMaxText = 4096

var phoneRegex = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)

// WhatsApp posts Cloud API shaped text messages to an HTTP gateway.
type WhatsApp struct {
	client *http.Client
	url    string
	token  string
	secret string
	now    func() time.Time
	log    zerolog.Logger
}

func NewWhatsApp(cfg config.WhatsAppConfig, log zerolog.Logger) *WhatsApp {
	return &WhatsApp{
		client: &http.Client{Timeout: cfg.Timeout},
		url:    cfg.URL,
		token:  cfg.Token,
		secret: cfg.Secret,
		now:    time.Now,
		log:    log,
	}
}

type whatsappText struct {
	Body       string `json:"body"`
	PreviewURL bool   `json:"preview_url"`
}

type whatsappRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Text             whatsappText `json:"text"`
}

type whatsappResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Details string `json:"error_data_details"`
	} `json:"error"`
}

func (w *WhatsApp) Platform() models.Platform { return models.PlatformWhatsApp }

func (w *WhatsApp) Send(ctx context.Context, recipient string, payload Payload) (Receipt, error) {
	to := strings.ReplaceAll(strings.TrimSpace(recipient), " ", "")
	if !phoneRegex.MatchString(to) {
		return Receipt{}, &ValidationError{Field: "recipient", Reason: "expected an international phone number"}
	}
	if len([]rune(payload.Body)) > whatsappMaxText {
		return Receipt{}, &ValidationError{Field: "body", Reason: fmt.Sprintf("longer than %d characters", whatsappMaxText)}
	}

	body, err := json.Marshal(whatsappRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(to, "+"),
		Type:             "text",
		Text:             whatsappText{Body: payload.Body},
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("encode whatsapp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("create whatsapp request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "RemindRelay/1.0")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	if w.secret != "" {
		signature, timestamp := signing.Sign(w.secret, body)
		req.Header.Set(signing.HeaderTimestamp, strconv.FormatInt(timestamp, 10))
		req.Header.Set(signing.HeaderSignature, signature)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("whatsapp request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var parsed whatsappResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || parsed.Error != nil {
		se := &SendError{
			Platform:    models.PlatformWhatsApp,
			StatusCode:  resp.StatusCode,
			Description: strings.TrimSpace(string(raw)),
			RetryAfter:  parseRetryAfter(resp.Header.Get("Retry-After"), w.now()),
		}
		if parsed.Error != nil {
			se.Code = parsed.Error.Code
			se.Description = parsed.Error.Message
			if parsed.Error.Details != "" {
				se.Description += ": " + parsed.Error.Details
			}
		}
		if se.Description == "" {
			se.Description = http.StatusText(resp.StatusCode)
		}
		return Receipt{}, se
	}

	if decodeErr != nil || len(parsed.Messages) == 0 {
		w.log.Warn().Int("status_code", resp.StatusCode).Msg("whatsapp gateway accepted message without an id")
		return Receipt{Platform: models.PlatformWhatsApp, SentAt: w.now().UTC()}, nil
	}
	return Receipt{
		Platform:          models.PlatformWhatsApp,
		ProviderMessageID: parsed.Messages[0].ID,
		SentAt:            w.now().UTC(),
	}, nil
}

// parseRetryAfter understands both delay-seconds and HTTP-date values.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
