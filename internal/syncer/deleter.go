package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"plannersync/internal/models"
	"plannersync/internal/store"
)

// ErrSyncedAppointment is returned by DeleteLocal for appointments that carry
// an external id.
var ErrSyncedAppointment = errors.New("appointment is synced from an external calendar")

// DeleteStore is the persistence the Deleter needs.
type DeleteStore interface {
	WithTx(ctx context.Context, fn func(store.Repository) error) error
	GetAppointment(ctx context.Context, userID, id int64) (*models.Appointment, error)
	DeleteAppointment(ctx context.Context, userID, id int64) error
}

// Deleter handles user-initiated deletes.
type Deleter struct {
	logger *slog.Logger
	store  DeleteStore
	client CalendarClient
}

// NewDeleter creates a Deleter that removes events through client and
// records tombstones in s.
func NewDeleter(logger *slog.Logger, s DeleteStore, client CalendarClient) *Deleter {
	return &Deleter{logger: logger, store: s, client: client}
}

// DeleteAppointment removes a synced appointment and records a tombstone so
// later syncs do not bring it back. The row, tombstone and history entry are
// written in one transaction; the delete against the external calendar runs
// afterwards and its failure is only logged.
func (d *Deleter) DeleteAppointment(ctx context.Context, session models.Session, userID int64, externalID string) error {
	var deleted *models.Appointment
	err := d.store.WithTx(ctx, func(repo store.Repository) error {
		a, err := repo.GetAppointmentByExternalID(ctx, userID, externalID)
		if err != nil {
			return err
		}
		if _, err := repo.DeleteByExternalID(ctx, userID, externalID); err != nil {
			return err
		}
		if err := repo.InsertTombstone(ctx, &models.Tombstone{
			UserID:     userID,
			ExternalID: externalID,
			CalendarID: a.CalendarID,
		}); err != nil {
			return err
		}
		if err := repo.AddHistory(ctx, &models.HistoryEntry{
			UserID:        userID,
			AppointmentID: a.ID,
			ExternalID:    a.ExternalID,
			ChangeType:    models.ChangeDeleted,
			OldValue:      a.Title,
			Description:   "Deleted by user",
		}); err != nil {
			return err
		}
		deleted = a
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete appointment %s: %w", externalID, err)
	}

	d.logger.Info("Deleted appointment", "user", userID, "externalID", externalID, "title", deleted.Title)

	calendarID := deleted.CalendarIDValue()
	if calendarID == "" || d.client == nil {
		return nil
	}
	if err := d.client.DeleteEvent(ctx, session, calendarID, externalID); err != nil {
		// The tombstone keeps the event from being re-imported.
		d.logger.Warn("Could not delete event from external calendar", "calendarID", calendarID, "externalID", externalID, "error", err)
	}
	return nil
}

// DeleteLocal removes an appointment without leaving a tombstone. It is the
// path for appointments that were never synced.
func (d *Deleter) DeleteLocal(ctx context.Context, userID, appointmentID int64) error {
	a, err := d.store.GetAppointment(ctx, userID, appointmentID)
	if err != nil {
		return err
	}
	if a.ExternalID != nil {
		return fmt.Errorf("appointment %d: %w", appointmentID, ErrSyncedAppointment)
	}
	return d.store.DeleteAppointment(ctx, userID, appointmentID)
}
