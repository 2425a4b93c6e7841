package schedule

import (
	"context"
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/shohag/remindrelay/internal/models"
	"github.com/shohag/remindrelay/internal/platform"
	"github.com/shohag/remindrelay/internal/recurrence"
)

// CreateRequest is what an operator submits to schedule a message.
type CreateRequest struct {
	OwnerRef      string             `json:"owner_ref"`
	Platform      models.Platform    `json:"platform"`
	Recipient     string             `json:"recipient"`
	Body          string             `json:"body"`
	Format        models.Format      `json:"format"`
	TemplateKey   string             `json:"template_key"`
	Params        map[string]string  `json:"params"`
	ScheduledTime time.Time          `json:"scheduled_time"`
	Recurrence    *models.Recurrence `json:"recurrence"`
	Priority      int                `json:"priority"`
}

const maxBodyLength = 4096

// Validate checks the request against the current time and the configured
// templates. The returned error is a validation.Errors keyed by JSON field.
func (r CreateRequest) Validate(ctx context.Context, now time.Time, templates platform.Templates) error {
	return validation.ValidateStructWithContext(ctx, &r,
		validation.Field(&r.Platform, validation.Required,
			validation.In(models.PlatformTelegram, models.PlatformWhatsApp).Error("must be telegram or whatsapp")),
		validation.Field(&r.Recipient, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.Body,
			validation.When(r.TemplateKey == "", validation.Required.Error("body or template_key is required")),
			validation.RuneLength(0, maxBodyLength)),
		validation.Field(&r.Format, validation.In(models.FormatPlain, models.FormatMarkdown, models.FormatHTML)),
		validation.Field(&r.TemplateKey, validation.By(knownTemplate(templates))),
		validation.Field(&r.ScheduledTime, validation.Required, validation.By(notBefore(now))),
		validation.Field(&r.Recurrence, validation.By(validRule)),
		validation.Field(&r.Priority, validation.Min(0), validation.Max(100)),
	)
}

func knownTemplate(templates platform.Templates) validation.RuleFunc {
	return func(value interface{}) error {
		key, _ := value.(string)
		if key == "" || templates.Has(key) {
			return nil
		}
		return errors.New("unknown template")
	}
}

func notBefore(now time.Time) validation.RuleFunc {
	return func(value interface{}) error {
		at, _ := value.(time.Time)
		if at.Before(now) {
			return errors.New("must not be in the past")
		}
		return nil
	}
}

func validRule(value interface{}) error {
	rule, _ := value.(*models.Recurrence)
	return recurrence.Validate(rule)
}

func (r CreateRequest) message(now time.Time) *models.ScheduledMessage {
	now = now.UTC()
	format := r.Format
	if format == "" {
		format = models.FormatPlain
	}
	return &models.ScheduledMessage{
		ID:            models.NewID("sch"),
		OwnerRef:      r.OwnerRef,
		Platform:      r.Platform,
		Recipient:     r.Recipient,
		Body:          r.Body,
		Format:        format,
		TemplateKey:   r.TemplateKey,
		Params:        r.Params,
		ScheduledTime: r.ScheduledTime.UTC(),
		Recurrence:    r.Recurrence,
		Status:        models.StatusPending,
		Priority:      r.Priority,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
