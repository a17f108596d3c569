// README: Request Store backed by PostgreSQL (optimistic version + partial unique indexes).
package request

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"emsdispatch/internal/types"
)

const (
	constraintActivePatient = "ux_ems_requests_active_patient"
	constraintBusyParamedic = "ux_ems_requests_busy_paramedic"
	pgUniqueViolation       = "23505"
	activeStatusList        = "('pending','enroute','arrived')"
	busyStatusList          = "('enroute','arrived')"
	requestColumns          = `id, patient_id, paramedic_id, status, priority, emergency_type,
               patient_lat, patient_lng, paramedic_lat, paramedic_lng, paramedic_accuracy, paramedic_located_at,
               description, contact_number, notes, cancelled_by, cancel_reason, version,
               created_at, dispatch_time, arrival_time, completion_time, updated_at`
)

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, r *Request) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
        INSERT INTO ems_requests (
            id, patient_id, status, priority, emergency_type,
            patient_lat, patient_lng, description, contact_number, notes,
            version, created_at, updated_at
        ) VALUES (
            $1, $2, $3, $4, $5,
            $6, $7, $8, $9, $10,
            $11, $12, $13
        )`,
		string(r.ID),
		string(r.PatientID),
		string(r.Status),
		string(r.Priority),
		r.EmergencyType,
		r.PatientLocation.Lat, r.PatientLocation.Lng,
		r.Description, r.ContactNumber, r.Notes,
		r.Version,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		return mapPgError(err)
	}
	patient := r.PatientID
	if err := appendEvent(ctx, tx, HistoryEntry{
		RequestID:  r.ID,
		FromStatus: StatusNone,
		ToStatus:   r.Status,
		ActorID:    &patient,
		ActorRole:  RolePatient,
		CreatedAt:  r.CreatedAt,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Get(ctx context.Context, id types.ID) (*Request, error) {
	row := s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM ems_requests WHERE id = $1`, string(id))
	return scanRequest(row)
}

func (s *PostgresStore) Transition(ctx context.Context, id types.ID, from Status, version int, ch Change) (*Request, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var lat, lng, acc *float64
	var locatedAt *time.Time
	if ch.ParamedicLocation != nil {
		lat, lng = &ch.ParamedicLocation.Point.Lat, &ch.ParamedicLocation.Point.Lng
		acc = ch.ParamedicLocation.Accuracy
		locatedAt = &ch.ParamedicLocation.Timestamp
	}

	row := tx.QueryRow(ctx, `
        UPDATE ems_requests
        SET status = $1,
            paramedic_id = COALESCE($2, paramedic_id),
            paramedic_lat = COALESCE($3, paramedic_lat),
            paramedic_lng = COALESCE($4, paramedic_lng),
            paramedic_accuracy = CASE WHEN $6::timestamptz IS NULL THEN paramedic_accuracy ELSE $5 END,
            paramedic_located_at = COALESCE($6, paramedic_located_at),
            dispatch_time = COALESCE($7, dispatch_time),
            arrival_time = COALESCE($8, arrival_time),
            completion_time = COALESCE($9, completion_time),
            notes = COALESCE($10, notes),
            cancelled_by = COALESCE($11, cancelled_by),
            cancel_reason = COALESCE($12, cancel_reason),
            version = version + 1,
            updated_at = $13
        WHERE id = $14 AND status = $15 AND version = $16
        RETURNING `+requestColumns,
		string(ch.To),
		toStringPtr(ch.ParamedicID),
		lat, lng, acc, locatedAt,
		ch.DispatchTime, ch.ArrivalTime, ch.CompletionTime,
		ch.Notes,
		toStringPtr(ch.CancelledBy),
		ch.CancelReason,
		ch.At,
		string(id), string(from), version,
	)
	updated, err := scanRequest(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, mapPgError(err)
	}

	entry := HistoryEntry{
		RequestID:  id,
		FromStatus: from,
		ToStatus:   ch.To,
		ActorID:    ch.ActorID,
		ActorRole:  ch.ActorRole,
		CreatedAt:  ch.At,
	}
	if ch.Notes != nil {
		entry.Notes = *ch.Notes
	}
	if err := appendEvent(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, mapPgError(err)
	}
	return updated, nil
}

func (s *PostgresStore) UpdateDetails(ctx context.Context, id types.ID, version int, d Details) (*Request, error) {
	row := s.db.QueryRow(ctx, `
        UPDATE ems_requests
        SET description = COALESCE($1, description),
            contact_number = COALESCE($2, contact_number),
            notes = COALESCE($3, notes),
            version = version + 1,
            updated_at = NOW()
        WHERE id = $4 AND version = $5 AND status IN `+activeStatusList+`
        RETURNING `+requestColumns,
		d.Description, d.ContactNumber, d.Notes,
		string(id), version,
	)
	updated, err := scanRequest(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrConflict
	}
	return updated, err
}

func (s *PostgresStore) RecordParamedicLocation(ctx context.Context, id, paramedicID types.ID, loc Location) (*Request, bool, error) {
	row := s.db.QueryRow(ctx, `
        UPDATE ems_requests
        SET paramedic_lat = $1,
            paramedic_lng = $2,
            paramedic_accuracy = $3,
            paramedic_located_at = $4,
            updated_at = NOW()
        WHERE id = $5
          AND status = 'enroute'
          AND paramedic_id = $6
          AND (paramedic_located_at IS NULL OR paramedic_located_at < $4)
        RETURNING `+requestColumns,
		loc.Point.Lat, loc.Point.Lng, loc.Accuracy, loc.Timestamp,
		string(id), string(paramedicID),
	)
	updated, err := scanRequest(row)
	if errors.Is(err, ErrNotFound) {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return updated, true, nil
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*Request, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+requestColumns+`
        FROM ems_requests
        WHERE status IN `+activeStatusList+`
        ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (s *PostgresStore) ListByActor(ctx context.Context, actorID types.ID, activeOnly bool) ([]*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM ems_requests WHERE (patient_id = $1 OR paramedic_id = $1)`
	if activeOnly {
		query += ` AND status IN ` + activeStatusList
	}
	query += ` ORDER BY created_at DESC`
	rows, err := s.db.Query(ctx, query, string(actorID))
	if err != nil {
		return nil, err
	}
	return collectRequests(rows)
}

func (s *PostgresStore) ActiveByPatient(ctx context.Context, patientID types.ID) (*Request, error) {
	row := s.db.QueryRow(ctx, `
        SELECT `+requestColumns+`
        FROM ems_requests
        WHERE patient_id = $1 AND status IN `+activeStatusList, string(patientID))
	return scanRequest(row)
}

func (s *PostgresStore) ActiveByParamedic(ctx context.Context, paramedicID types.ID) (*Request, error) {
	row := s.db.QueryRow(ctx, `
        SELECT `+requestColumns+`
        FROM ems_requests
        WHERE paramedic_id = $1 AND status IN `+busyStatusList, string(paramedicID))
	return scanRequest(row)
}

func (s *PostgresStore) History(ctx context.Context, id types.ID) ([]HistoryEntry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx, `
        SELECT id, request_id, from_status, to_status, actor_id, actor_role, notes, created_at
        FROM ems_request_events
        WHERE request_id = $1
        ORDER BY id`, string(id))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (HistoryEntry, error) {
		var e HistoryEntry
		var actorID sql.NullString
		if err := row.Scan(&e.ID, &e.RequestID, &e.FromStatus, &e.ToStatus, &actorID, &e.ActorRole, &e.Notes, &e.CreatedAt); err != nil {
			return e, err
		}
		if actorID.Valid {
			a := types.ID(actorID.String)
			e.ActorID = &a
		}
		return e, nil
	})
}

func appendEvent(ctx context.Context, tx pgx.Tx, e HistoryEntry) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO ems_request_events (
            request_id, from_status, to_status, actor_id, actor_role, notes, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.RequestID),
		string(e.FromStatus),
		string(e.ToStatus),
		toStringPtr(e.ActorID),
		string(e.ActorRole),
		e.Notes,
		e.CreatedAt,
	)
	return err
}

func collectRequests(rows pgx.Rows) ([]*Request, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Request, error) {
		return scanRequest(row)
	})
}

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	var paramedicID, cancelledBy, cancelReason sql.NullString
	var pLat, pLng, pAcc sql.NullFloat64
	var locatedAt, dispatchTime, arrivalTime, completionTime sql.NullTime

	err := row.Scan(
		&r.ID, &r.PatientID, &paramedicID, &r.Status, &r.Priority, &r.EmergencyType,
		&r.PatientLocation.Lat, &r.PatientLocation.Lng, &pLat, &pLng, &pAcc, &locatedAt,
		&r.Description, &r.ContactNumber, &r.Notes, &cancelledBy, &cancelReason, &r.Version,
		&r.CreatedAt, &dispatchTime, &arrivalTime, &completionTime, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if paramedicID.Valid {
		id := types.ID(paramedicID.String)
		r.ParamedicID = &id
	}
	if pLat.Valid && pLng.Valid && locatedAt.Valid {
		loc := &Location{
			Point:     types.Point{Lat: pLat.Float64, Lng: pLng.Float64},
			Timestamp: locatedAt.Time,
		}
		if pAcc.Valid {
			acc := pAcc.Float64
			loc.Accuracy = &acc
		}
		r.ParamedicLocation = loc
	}
	if cancelledBy.Valid {
		id := types.ID(cancelledBy.String)
		r.CancelledBy = &id
	}
	if cancelReason.Valid {
		r.CancelReason = &cancelReason.String
	}
	r.DispatchTime = toTimePtr(dispatchTime)
	r.ArrivalTime = toTimePtr(arrivalTime)
	r.CompletionTime = toTimePtr(completionTime)
	return &r, nil
}

// mapPgError turns unique-index violations into the invariant they protect.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		switch pgErr.ConstraintName {
		case constraintActivePatient:
			return ErrDuplicateActiveRequest
		case constraintBusyParamedic:
			return ErrParamedicBusy
		}
		return fmt.Errorf("unique violation on %s: %w", pgErr.ConstraintName, ErrConflict)
	}
	return err
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
