package models

import "time"

type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformWhatsApp Platform = "whatsapp"
)

var Platforms = []Platform{PlatformTelegram, PlatformWhatsApp}

func (p Platform) Valid() bool {
	for _, known := range Platforms {
		if p == known {
			return true
		}
	}
	return false
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

var Statuses = []Status{
	StatusPending, StatusProcessing, StatusSent,
	StatusFailed, StatusCancelled, StatusExpired,
}

func (s Status) Valid() bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition can ever leave s. A failed message
// is terminal only once the retry policy has declined it, which the status
// alone cannot tell.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusCancelled || s == StatusExpired
}

// ErrorCategory is the classification of a delivery failure.
type ErrorCategory string

const (
	CategoryNone       ErrorCategory = ""
	CategoryTemporary  ErrorCategory = "temporary"
	CategoryPermanent  ErrorCategory = "permanent"
	CategoryThrottling ErrorCategory = "throttling"
	CategoryValidation ErrorCategory = "validation"
	CategorySystem     ErrorCategory = "system"
)

var Categories = []ErrorCategory{
	CategoryTemporary, CategoryPermanent, CategoryThrottling,
	CategoryValidation, CategorySystem,
}

type Format string

const (
	FormatPlain    Format = "plain"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

type RecurrenceType string

const (
	RecurrenceOnce    RecurrenceType = "once"
	RecurrenceDaily   RecurrenceType = "daily"
	RecurrenceWeekly  RecurrenceType = "weekly"
	RecurrenceMonthly RecurrenceType = "monthly"
)

type Recurrence struct {
	Type       RecurrenceType `json:"type"`
	Weekdays   []time.Weekday `json:"weekdays,omitempty"`
	DayOfMonth int            `json:"day_of_month,omitempty"`
	TimeOfDay  string         `json:"time_of_day,omitempty"` // HH:MM
	Timezone   string         `json:"timezone,omitempty"`    // IANA name, UTC when empty
	Until      *time.Time     `json:"until,omitempty"`
}

// Repeats is false for nil and one-time rules.
func (r *Recurrence) Repeats() bool {
	return r != nil && r.Type != "" && r.Type != RecurrenceOnce
}

type ScheduledMessage struct {
	ID       string   `json:"id"`
	OwnerRef string   `json:"owner_ref,omitempty"`
	Platform Platform `json:"platform"`

	Recipient   string            `json:"recipient"`
	Body        string            `json:"body"`
	Format      Format            `json:"format,omitempty"`
	TemplateKey string            `json:"template_key,omitempty"`
	Params      map[string]string `json:"params,omitempty"`

	ScheduledTime time.Time   `json:"scheduled_time"`
	Recurrence    *Recurrence `json:"recurrence,omitempty"`

	Status          Status        `json:"status"`
	Attempts        int           `json:"attempts"`
	LastAttemptTime *time.Time    `json:"last_attempt_time,omitempty"`
	NextAttemptAt   *time.Time    `json:"next_attempt_at,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	ErrorCategory   ErrorCategory `json:"error_category,omitempty"`
	SentAt          *time.Time    `json:"sent_at,omitempty"`
	FailedAt        *time.Time    `json:"failed_at,omitempty"`
	Priority        int           `json:"priority"`
	ParentID        string        `json:"parent_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
