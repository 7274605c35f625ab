package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"plannersync/internal/models"
)

// queries holds the statements shared by Store and transactions.
type queries struct {
	q querier
}

const appointmentColumns = `id, user_id, external_id, calendar_id, title, description,
	start_time, end_time, date, category, recurrence, last_synced, status,
	reminders, notes, note_tags, session_number, total_sessions, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAppointment(row rowScanner) (models.Appointment, error) {
	var (
		a                       models.Appointment
		externalID, calendarID  sql.NullString
		lastSynced              sql.NullTime
		status                  string
		reminders, tags         sql.NullString
		sessionNumber, sessions sql.NullInt64
	)
	err := row.Scan(
		&a.ID, &a.UserID, &externalID, &calendarID, &a.Title, &a.Description,
		&a.Start, &a.End, &a.Date, &a.Category, &a.Recurrence, &lastSynced, &status,
		&reminders, &a.Notes, &tags, &sessionNumber, &sessions, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, err
	}

	a.Status = models.Status(status)
	if externalID.Valid {
		a.ExternalID = &externalID.String
	}
	if calendarID.Valid {
		a.CalendarID = &calendarID.String
	}
	if lastSynced.Valid {
		t := lastSynced.Time.UTC()
		a.LastSyncedAt = &t
	}
	a.Start = a.Start.UTC()
	a.End = a.End.UTC()
	if a.Reminders, err = decodeList(reminders); err != nil {
		return a, fmt.Errorf("decode reminders: %w", err)
	}
	if a.Tags, err = decodeList(tags); err != nil {
		return a, fmt.Errorf("decode note tags: %w", err)
	}
	a.SessionNumber = nullIntPtr(sessionNumber)
	a.TotalSessions = nullIntPtr(sessions)
	return a, nil
}

func (q *queries) listAppointments(ctx context.Context, query string, args ...any) ([]models.Appointment, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	defer rows.Close()

	var out []models.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListAppointments returns every appointment of a user ordered by start time.
func (q *queries) ListAppointments(ctx context.Context, userID int64) ([]models.Appointment, error) {
	return q.listAppointments(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE user_id = ? ORDER BY start_time, id`,
		userID)
}

// ListAppointmentsInRange returns appointments whose date falls within
// [from, to], both formatted YYYY-MM-DD.
func (q *queries) ListAppointmentsInRange(ctx context.Context, userID int64, from, to string) ([]models.Appointment, error) {
	return q.listAppointments(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		WHERE user_id = ? AND date >= ? AND date <= ? ORDER BY start_time, id`,
		userID, from, to)
}

func (q *queries) getAppointment(ctx context.Context, query string, args ...any) (*models.Appointment, error) {
	a, err := scanAppointment(q.q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return &a, nil
}

func (q *queries) GetAppointment(ctx context.Context, userID, id int64) (*models.Appointment, error) {
	return q.getAppointment(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE user_id = ? AND id = ?`,
		userID, id)
}

func (q *queries) GetAppointmentByExternalID(ctx context.Context, userID int64, externalID string) (*models.Appointment, error) {
	return q.getAppointment(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE user_id = ? AND external_id = ?`,
		userID, externalID)
}

// InsertAppointment stores a and fills in its ID and timestamps.
func (q *queries) InsertAppointment(ctx context.Context, a *models.Appointment) error {
	if a.Status == "" {
		a.Status = models.StatusScheduled
	}
	if !a.Status.Valid() {
		return fmt.Errorf("invalid status %q", a.Status)
	}
	reminders, err := encodeList(a.Reminders)
	if err != nil {
		return fmt.Errorf("encode reminders: %w", err)
	}
	tags, err := encodeList(a.Tags)
	if err != nil {
		return fmt.Errorf("encode note tags: %w", err)
	}

	now := time.Now().UTC()
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO appointments (user_id, external_id, calendar_id, title, description,
			start_time, end_time, date, category, recurrence, last_synced, status,
			reminders, notes, note_tags, session_number, total_sessions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.UserID, a.ExternalID, a.CalendarID, a.Title, a.Description,
		a.Start.UTC(), a.End.UTC(), a.Date, a.Category, a.Recurrence, utcPtr(a.LastSyncedAt), string(a.Status),
		reminders, a.Notes, tags, a.SessionNumber, a.TotalSessions, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert appointment id: %w", err)
	}
	a.ID = id
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

// UpdateSyncedFields writes only the columns owned by sync.
func (q *queries) UpdateSyncedFields(ctx context.Context, a *models.Appointment) error {
	now := time.Now().UTC()
	res, err := q.q.ExecContext(ctx, `
		UPDATE appointments SET calendar_id = ?, title = ?, description = ?,
			start_time = ?, end_time = ?, date = ?, category = ?, recurrence = ?,
			last_synced = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		a.CalendarID, a.Title, a.Description,
		a.Start.UTC(), a.End.UTC(), a.Date, a.Category, a.Recurrence,
		utcPtr(a.LastSyncedAt), now,
		a.ID, a.UserID,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if err := expectRow(res); err != nil {
		return err
	}
	a.UpdatedAt = now
	return nil
}

// UpdateUserFields writes only the columns owned by the user.
func (q *queries) UpdateUserFields(ctx context.Context, a *models.Appointment) error {
	if !a.Status.Valid() {
		return fmt.Errorf("invalid status %q", a.Status)
	}
	reminders, err := encodeList(a.Reminders)
	if err != nil {
		return fmt.Errorf("encode reminders: %w", err)
	}
	tags, err := encodeList(a.Tags)
	if err != nil {
		return fmt.Errorf("encode note tags: %w", err)
	}

	now := time.Now().UTC()
	res, err := q.q.ExecContext(ctx, `
		UPDATE appointments SET status = ?, reminders = ?, notes = ?, note_tags = ?,
			session_number = ?, total_sessions = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		string(a.Status), reminders, a.Notes, tags,
		a.SessionNumber, a.TotalSessions, now,
		a.ID, a.UserID,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if err := expectRow(res); err != nil {
		return err
	}
	a.UpdatedAt = now
	return nil
}

// DeleteByExternalID removes the appointment carrying externalID and returns
// the number of rows removed.
func (q *queries) DeleteByExternalID(ctx context.Context, userID int64, externalID string) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`DELETE FROM appointments WHERE user_id = ? AND external_id = ?`,
		userID, externalID)
	if err != nil {
		return 0, fmt.Errorf("delete appointment: %w", err)
	}
	return res.RowsAffected()
}

// DeleteAppointment removes an appointment by its local id.
func (q *queries) DeleteAppointment(ctx context.Context, userID, id int64) error {
	res, err := q.q.ExecContext(ctx,
		`DELETE FROM appointments WHERE user_id = ? AND id = ?`,
		userID, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	return expectRow(res)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func encodeList(items []string) (sql.NullString, error) {
	if items == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(items)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeList(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(s.String), &items); err != nil {
		return nil, err
	}
	return items, nil
}

func nullIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
