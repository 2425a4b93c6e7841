package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
	"github.com/rs/zerolog"

	"github.com/shohag/remindrelay/internal/config"
	"github.com/shohag/remindrelay/internal/models"
)

const telegramMaxText = 4096

type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Telegram struct {
	bot botSender
	now func() time.Time
	log zerolog.Logger
}

func NewTelegram(cfg config.TelegramConfig, log zerolog.Logger) (*Telegram, error) {
	client := &http.Client{Timeout: cfg.Timeout}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, client)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	log.Info().Str("bot", bot.Self.UserName).Msg("telegram bot authorized")
	return newTelegram(bot, log), nil
}

func newTelegram(bot botSender, log zerolog.Logger) *Telegram {
	return &Telegram{bot: bot, now: time.Now, log: log}
}

func (t *Telegram) Platform() models.Platform { return models.PlatformTelegram }

func (t *Telegram) Send(ctx context.Context, recipient string, payload Payload) (Receipt, error) {
	if utf8.RuneCountInString(payload.Body) > telegramMaxText {
		return Receipt{}, &ValidationError{Field: "body", Reason: fmt.Sprintf("longer than %d characters", telegramMaxText)}
	}

	msg, err := telegramMessage(recipient, payload)
	if err != nil {
		return Receipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	sent, err := t.bot.Send(msg)
	if err != nil {
		var apiErr tgbotapi.Error
		if errors.As(err, &apiErr) {
			return Receipt{}, &SendError{
				Platform:    models.PlatformTelegram,
				StatusCode:  telegramStatus(apiErr.Message),
				Description: apiErr.Message,
				RetryAfter:  time.Duration(apiErr.RetryAfter) * time.Second,
			}
		}
		return Receipt{}, fmt.Errorf("telegram send: %w", err)
	}

	return Receipt{
		Platform:          models.PlatformTelegram,
		ProviderMessageID: strconv.Itoa(sent.MessageID),
		SentAt:            t.now().UTC(),
	}, nil
}

// The v4 client only keeps the error description, which the Bot API
// prefixes with the HTTP reason phrase.
var telegramStatusPrefixes = []struct {
	prefix string
	status int
}{
	{"Bad Request", http.StatusBadRequest},
	{"Unauthorized", http.StatusUnauthorized},
	{"Forbidden", http.StatusForbidden},
	{"Not Found", http.StatusNotFound},
	{"Conflict", http.StatusConflict},
	{"Too Many Requests", http.StatusTooManyRequests},
	{"Internal Server Error", http.StatusInternalServerError},
	{"Bad Gateway", http.StatusBadGateway},
}

func telegramStatus(description string) int {
	for _, p := range telegramStatusPrefixes {
		if strings.HasPrefix(description, p.prefix) {
			return p.status
		}
	}
	return 0
}

// telegramMessage accepts a numeric chat id or an @channel username.
func telegramMessage(recipient string, payload Payload) (tgbotapi.MessageConfig, error) {
	var msg tgbotapi.MessageConfig
	recipient = strings.TrimSpace(recipient)

	if chatID, err := strconv.ParseInt(recipient, 10, 64); err == nil && chatID != 0 {
		msg = tgbotapi.NewMessage(chatID, payload.Body)
	} else if strings.HasPrefix(recipient, "@") && len(recipient) > 1 {
		msg = tgbotapi.NewMessageToChannel(recipient, payload.Body)
	} else {
		return msg, &ValidationError{Field: "recipient", Reason: "expected a chat id or @username"}
	}

	switch payload.Format {
	case models.FormatHTML:
		msg.ParseMode = tgbotapi.ModeHTML
	case models.FormatMarkdown:
		msg.ParseMode = tgbotapi.ModeMarkdown
	}
	return msg, nil
}
