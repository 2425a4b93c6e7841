package platform

import (
	"regexp"
	"strings"

	"github.com/shohag/remindrelay/internal/models"
)

var placeholderRegex = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Templates maps a template key to text with {param} placeholders.
type Templates map[string]string

// Render produces the payload for msg. Messages without a template key are
// sent with their body as is.
func (t Templates) Render(msg *models.ScheduledMessage) (Payload, error) {
	format := msg.Format
	if format == "" {
		format = models.FormatPlain
	}

	body := msg.Body
	if msg.TemplateKey != "" {
		text, ok := t[strings.ToLower(msg.TemplateKey)]
		if !ok {
			return Payload{}, &ValidationError{Field: "template_key", Reason: "unknown template " + msg.TemplateKey}
		}

		pairs := make([]string, 0, len(msg.Params)*2)
		for k, v := range msg.Params {
			pairs = append(pairs, "{"+k+"}", v)
		}
		body = strings.NewReplacer(pairs...).Replace(text)

		// Placeholders are only checked against the template itself, so a
		// parameter value may legitimately contain braces.
		for _, m := range placeholderRegex.FindAllStringSubmatch(text, -1) {
			if _, ok := msg.Params[m[1]]; !ok {
				return Payload{}, &ValidationError{Field: "params", Reason: "missing parameter " + m[1]}
			}
		}
	}

	if strings.TrimSpace(body) == "" {
		return Payload{}, &ValidationError{Field: "body", Reason: "message body is empty"}
	}
	return Payload{Body: body, Format: format}, nil
}

// Has reports whether key names a configured template.
func (t Templates) Has(key string) bool {
	_, ok := t[strings.ToLower(key)]
	return ok
}
