package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"plannersync/internal/models"
)

// InsertTombstone records that externalID was deleted on purpose.
func (q *queries) InsertTombstone(ctx context.Context, t *models.Tombstone) error {
	if t.DeletedAt.IsZero() {
		t.DeletedAt = time.Now().UTC()
	}
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO deleted_appointments (user_id, external_id, calendar_id, deleted_at) VALUES (?, ?, ?, ?)`,
		t.UserID, t.ExternalID, t.CalendarID, t.DeletedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert tombstone: %w", err)
	}
	if t.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert tombstone id: %w", err)
	}
	return nil
}

// ListTombstones returns every tombstone of a user, oldest first.
func (q *queries) ListTombstones(ctx context.Context, userID int64) ([]models.Tombstone, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT id, user_id, external_id, calendar_id, deleted_at
		FROM deleted_appointments WHERE user_id = ? ORDER BY deleted_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query tombstones: %w", err)
	}
	defer rows.Close()

	var out []models.Tombstone
	for rows.Next() {
		var (
			t          models.Tombstone
			calendarID sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.ExternalID, &calendarID, &t.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		if calendarID.Valid {
			t.CalendarID = &calendarID.String
		}
		t.DeletedAt = t.DeletedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// AddHistory appends an audit entry.
func (q *queries) AddHistory(ctx context.Context, h *models.HistoryEntry) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT INTO appointment_history (user_id, appointment_id, external_id, change_type,
			field_changed, old_value, new_value, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.UserID, h.AppointmentID, h.ExternalID, string(h.ChangeType),
		h.Field, h.OldValue, h.NewValue, h.Description, h.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	if h.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("insert history id: %w", err)
	}
	return nil
}

// ListHistory returns the audit trail of one appointment, oldest first.
func (q *queries) ListHistory(ctx context.Context, userID, appointmentID int64) ([]models.HistoryEntry, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, user_id, appointment_id, external_id, change_type,
			field_changed, old_value, new_value, description, created_at
		FROM appointment_history WHERE user_id = ? AND appointment_id = ?
		ORDER BY created_at, id`, userID, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []models.HistoryEntry
	for rows.Next() {
		var (
			h          models.HistoryEntry
			externalID sql.NullString
			changeType string
		)
		if err := rows.Scan(&h.ID, &h.UserID, &h.AppointmentID, &externalID, &changeType,
			&h.Field, &h.OldValue, &h.NewValue, &h.Description, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.ChangeType = models.ChangeType(changeType)
		if externalID.Valid {
			h.ExternalID = &externalID.String
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SetStatus changes the status of an appointment and records the change.
func (s *Store) SetStatus(ctx context.Context, userID, id int64, status models.Status) (*models.Appointment, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	var updated *models.Appointment
	err := s.withTx(ctx, func(tx *queries) error {
		a, err := tx.GetAppointment(ctx, userID, id)
		if err != nil {
			return err
		}
		old := a.Status
		if old == status {
			updated = a
			return nil
		}
		a.Status = status
		if err := tx.UpdateUserFields(ctx, a); err != nil {
			return err
		}
		if err := tx.AddHistory(ctx, &models.HistoryEntry{
			UserID:        userID,
			AppointmentID: a.ID,
			ExternalID:    a.ExternalID,
			ChangeType:    models.ChangeStatusChanged,
			Field:         "status",
			OldValue:      string(old),
			NewValue:      string(status),
		}); err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
