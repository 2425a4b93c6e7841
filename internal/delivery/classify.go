package delivery

import (
	"context"
	"errors"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/shohag/remindrelay/internal/models"
	"github.com/shohag/remindrelay/internal/platform"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotCancellable    = errors.New("schedule is not pending")
	ErrCircuitOpen       = errors.New("circuit breaker open")
)

// httpCodeRegex finds a 4xx/5xx status in free-form error text without
// matching longer digit runs such as phone numbers.
var httpCodeRegex = regexp.MustCompile(`(?:^|\s|:|\(|-)([4-5]\d{2})(?:\s|$|:|!|\)|,)`)

var telegramDescriptions = []struct {
	fragment string
	category models.ErrorCategory
}{
	{"chat not found", models.CategoryPermanent},
	{"bot was blocked", models.CategoryPermanent},
	{"user is deactivated", models.CategoryPermanent},
	{"can't parse entities", models.CategoryValidation},
	{"message is too long", models.CategoryValidation},
	{"message text is empty", models.CategoryValidation},
}

// Cloud API error codes.
var whatsappCodes = map[int]models.ErrorCategory{
	131026: models.CategoryPermanent, // undeliverable
	131047: models.CategoryPermanent, // re-engagement window closed
	131051: models.CategoryPermanent, // unsupported message type
	130429: models.CategoryThrottling,
	131048: models.CategoryThrottling, // spam rate limit
	131056: models.CategoryThrottling, // pair rate limit
	80007:  models.CategoryThrottling,
	100:    models.CategoryValidation,
	132000: models.CategoryValidation,
	132001: models.CategoryValidation,
	132012: models.CategoryValidation,
	131008: models.CategoryValidation,
	131009: models.CategoryValidation,
	131000: models.CategoryTemporary,
	131016: models.CategoryTemporary,
	190:    models.CategorySystem, // access token expired
	10:     models.CategorySystem,
	200:    models.CategorySystem,
}

// Classify maps a send error to an error category. A nil error has no
// category.
func Classify(p models.Platform, err error) models.ErrorCategory {
	if err == nil {
		return models.CategoryNone
	}
	if errors.Is(err, ErrCircuitOpen) {
		return models.CategoryThrottling
	}

	if errors.Is(err, platform.ErrUnknownPlatform) {
		return models.CategoryValidation
	}
	var ve *platform.ValidationError
	if errors.As(err, &ve) {
		return models.CategoryValidation
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.CategoryTemporary
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return models.CategoryTemporary
	}

	var se *platform.SendError
	if errors.As(err, &se) {
		if cat, ok := classifyProvider(p, se); ok {
			return cat
		}
		return classifyHTTPStatus(se.StatusCode)
	}

	if m := httpCodeRegex.FindStringSubmatch(err.Error()); len(m) == 2 {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return classifyHTTPStatus(code)
		}
	}
	return models.CategorySystem
}

func classifyProvider(p models.Platform, se *platform.SendError) (models.ErrorCategory, bool) {
	switch p {
	case models.PlatformTelegram:
		desc := strings.ToLower(se.Description)
		for _, d := range telegramDescriptions {
			if strings.Contains(desc, d.fragment) {
				return d.category, true
			}
		}
	case models.PlatformWhatsApp:
		if cat, ok := whatsappCodes[se.Code]; ok && se.Code != 0 {
			return cat, true
		}
	}
	return "", false
}

func classifyHTTPStatus(code int) models.ErrorCategory {
	switch {
	case code == 429:
		return models.CategoryThrottling
	case code == 400 || code == 413 || code == 422:
		return models.CategoryValidation
	case code == 401 || code == 407:
		return models.CategorySystem
	case code >= 400 && code < 500:
		return models.CategoryPermanent
	case code == 0 || code >= 500:
		return models.CategoryTemporary
	}
	return models.CategorySystem
}

// Retryable reports whether a failure of this category may be attempted
// again.
func Retryable(c models.ErrorCategory) bool {
	switch c {
	case models.CategoryTemporary, models.CategoryThrottling, models.CategorySystem:
		return true
	}
	return false
}
