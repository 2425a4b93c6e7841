package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shohag/remindrelay/internal/models"
)

const scheduleColumns = `id, owner_ref, platform, recipient, body, format, template_key, params,
	scheduled_time, recurrence, status, attempts, last_attempt_time, next_attempt_at,
	error_message, error_category, sent_at, failed_at, priority, parent_id, created_at, updated_at`

// dialect holds what differs between the SQL engines behind sqlStore.
type dialect struct {
	name string
	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool
	// appended to the due-row subquery of a claim
	claimLock   string
	migrations  []string
	isDuplicate func(error) bool
}

type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) Migrate(ctx context.Context) error {
	for _, q := range s.dialect.migrations {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("%s migration: %w", s.dialect.name, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) ClaimDue(ctx context.Context, req ClaimRequest) ([]models.ScheduledMessage, error) {
	if req.Limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	now := req.Now.UTC()

	var exclude string
	args := []interface{}{now, now, models.StatusPending, now, now}
	if len(req.ExcludePlatforms) > 0 {
		marks := make([]string, len(req.ExcludePlatforms))
		for i, p := range req.ExcludePlatforms {
			marks[i] = "?"
			args = append(args, p)
		}
		exclude = " AND platform NOT IN (" + strings.Join(marks, ", ") + ")"
	}
	args = append(args, req.Limit)

	query := `UPDATE schedules
		SET status = 'processing', attempts = attempts + 1, last_attempt_time = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM schedules
			WHERE status = ? AND scheduled_time <= ?
			  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)` + exclude + `
			ORDER BY priority ASC, scheduled_time ASC
			LIMIT ?` + s.dialect.claimLock + `
		)
		RETURNING ` + scheduleColumns

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	msgs, err := scanSchedules(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING carries no ordering guarantee.
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Priority != msgs[j].Priority {
			return msgs[i].Priority < msgs[j].Priority
		}
		return msgs[i].ScheduledTime.Before(msgs[j].ScheduledTime)
	})
	return msgs, nil
}

func (s *sqlStore) ClaimByID(ctx context.Context, id string, now time.Time) (*models.ScheduledMessage, error) {
	now = now.UTC()
	row := s.db.QueryRowContext(ctx, s.rebind(`UPDATE schedules
		SET status = 'processing', attempts = attempts + 1, last_attempt_time = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
		RETURNING `+scheduleColumns), now, now, id)

	msg, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, s.missOrConflict(ctx, id)
	}
	return msg, err
}

func (s *sqlStore) UpdateStatus(ctx context.Context, id string, from, to models.Status, f StatusFields) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE schedules
		SET status = ?, error_message = ?, error_category = ?, sent_at = ?, failed_at = ?,
		    next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		to, f.ErrorMessage, f.ErrorCategory, nullTime(f.SentAt), nullTime(f.FailedAt),
		nullTime(f.NextAttemptAt), f.UpdatedAt.UTC(), id, from,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.missOrConflict(ctx, id)
	}
	return nil
}

func (s *sqlStore) missOrConflict(ctx context.Context, id string) error {
	var exists int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM schedules WHERE id = ?`), id).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (s *sqlStore) Insert(ctx context.Context, m *models.ScheduledMessage) error {
	params, err := json.Marshal(m.Params)
	if err != nil {
		return err
	}
	var recurrence sql.NullString
	if m.Recurrence != nil {
		b, err := json.Marshal(m.Recurrence)
		if err != nil {
			return err
		}
		recurrence = sql.NullString{String: string(b), Valid: true}
	}
	format := m.Format
	if format == "" {
		format = models.FormatPlain
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.OwnerRef, m.Platform, m.Recipient, m.Body, format, m.TemplateKey, string(params),
		m.ScheduledTime.UTC(), recurrence, m.Status, m.Attempts, nullTime(m.LastAttemptTime),
		nullTime(m.NextAttemptAt), m.ErrorMessage, m.ErrorCategory, nullTime(m.SentAt),
		nullTime(m.FailedAt), m.Priority, nullString(m.ParentID), m.CreatedAt.UTC(), m.UpdatedAt.UTC(),
	)
	if err != nil && s.dialect.isDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

func (s *sqlStore) Get(ctx context.Context, id string) (*models.ScheduledMessage, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`), id)
	msg, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return msg, err
}

func (s *sqlStore) List(ctx context.Context, f ListFilter) ([]models.ScheduledMessage, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var where []string
	var args []interface{}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, f.Platform)
	}
	if f.OwnerRef != "" {
		where = append(where, "owner_ref = ?")
		args = append(args, f.OwnerRef)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY scheduled_time DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	return scanSchedules(rows)
}

func (s *sqlStore) ListStale(ctx context.Context, before time.Time, limit int) ([]models.ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+scheduleColumns+` FROM schedules
		WHERE status = 'processing' AND last_attempt_time < ?
		ORDER BY last_attempt_time ASC LIMIT ?`), before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanSchedules(rows)
}

func (s *sqlStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]models.ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+scheduleColumns+` FROM schedules
		WHERE status = 'pending' AND scheduled_time < ?
		ORDER BY scheduled_time ASC LIMIT ?`), before.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanSchedules(rows)
}

func (s *sqlStore) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM schedules GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.Status]int64, len(models.Statuses))
	for _, st := range models.Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.Status(status)] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row scanner) (*models.ScheduledMessage, error) {
	var m models.ScheduledMessage
	var params string
	var recurrence, parentID sql.NullString
	var scheduled, created, updated dbTime
	var lastAttempt, nextAttempt, sentAt, failedAt dbTime

	err := row.Scan(
		&m.ID, &m.OwnerRef, &m.Platform, &m.Recipient, &m.Body, &m.Format, &m.TemplateKey, &params,
		&scheduled, &recurrence, &m.Status, &m.Attempts, &lastAttempt, &nextAttempt,
		&m.ErrorMessage, &m.ErrorCategory, &sentAt, &failedAt, &m.Priority, &parentID,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}

	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &m.Params); err != nil {
			return nil, fmt.Errorf("decode params of %s: %w", m.ID, err)
		}
	}
	if recurrence.Valid && recurrence.String != "" {
		m.Recurrence = &models.Recurrence{}
		if err := json.Unmarshal([]byte(recurrence.String), m.Recurrence); err != nil {
			return nil, fmt.Errorf("decode recurrence of %s: %w", m.ID, err)
		}
	}
	m.ParentID = parentID.String
	m.LastAttemptTime = lastAttempt.ptr()
	m.NextAttemptAt = nextAttempt.ptr()
	m.SentAt = sentAt.ptr()
	m.FailedAt = failedAt.ptr()
	m.ScheduledTime = scheduled.Time
	m.CreatedAt = created.Time
	m.UpdatedAt = updated.Time
	return &m, nil
}

func scanSchedules(rows *sql.Rows) ([]models.ScheduledMessage, error) {
	defer rows.Close()

	var msgs []models.ScheduledMessage
	for rows.Next() {
		m, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// dbTime scans timestamps that drivers hand back either as time.Time or,
// for SQLite expressions without a declared column type, as text.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var textTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
}

func (t *dbTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	}
	return fmt.Errorf("unsupported timestamp type %T", src)
}

func (t *dbTime) parse(s string) error {
	s = strings.TrimSuffix(s, "Z")
	for _, layout := range textTimeLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
