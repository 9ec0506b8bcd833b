package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/models"
	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/store"

	"github.com/jackc/pgx/v5"
)

const transferPageSize = 200

const transferSelect = `
	SELECT t.id, t.status, t.patient_id,
		COALESCE(t.patient_name, ''), COALESCE(t.patient_identifier, ''), COALESCE(t.phone, ''),
		t.specialty_id, t.preferred_location_id, t.priority,
		COALESCE(t.transfer_reason, ''), COALESCE(t.ai_observation, ''),
		t.assigned_user_id, t.accepted_at, COALESCE(t.rejected_reason, ''), t.created_at,
		COALESCE(s.name, ''), COALESCE(l.name, ''),
		(EXTRACT(EPOCH FROM (now() - t.created_at)) / 60)::bigint
	FROM ai_transfers t
	LEFT JOIN specialties s ON s.id = t.specialty_id
	LEFT JOIN locations l ON l.id = t.preferred_location_id
`

func scanTransfer(row pgx.Row) (models.TransferRequest, error) {
	var transfer models.TransferRequest
	var patientID, specialtyID, locationID, assignedUser sql.NullInt64
	var acceptedAt sql.NullTime
	if err := row.Scan(
		&transfer.ID, &transfer.Status, &patientID,
		&transfer.PatientName, &transfer.PatientIdentifier, &transfer.Phone,
		&specialtyID, &locationID, &transfer.Priority,
		&transfer.TransferReason, &transfer.AIObservation,
		&assignedUser, &acceptedAt, &transfer.RejectedReason, &transfer.CreatedAt,
		&transfer.SpecialtyName, &transfer.PreferredLocation,
		&transfer.WaitMinutes,
	); err != nil {
		return models.TransferRequest{}, err
	}
	if patientID.Valid {
		transfer.PatientID = &patientID.Int64
	}
	if specialtyID.Valid {
		transfer.SpecialtyID = &specialtyID.Int64
	}
	if locationID.Valid {
		transfer.PreferredLocationID = &locationID.Int64
	}
	if assignedUser.Valid {
		transfer.AssignedUserID = &assignedUser.Int64
	}
	if acceptedAt.Valid {
		t := acceptedAt.Time
		transfer.AcceptedAt = &t
	}
	return transfer, nil
}

func (s *Store) getTransfer(ctx context.Context, transferID int64) (models.TransferRequest, error) {
	transfer, err := scanTransfer(s.pool.QueryRow(ctx, transferSelect+` WHERE t.id = $1`, transferID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.TransferRequest{}, store.ErrTransferNotFound
		}
		return models.TransferRequest{}, err
	}
	return transfer, nil
}

func (s *Store) CreateTransfer(ctx context.Context, input store.CreateTransferInput) (models.TransferRequest, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	priority := input.Priority
	if priority == "" {
		priority = models.TransferPriorityMedium
	}

	var transferID int64
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ai_transfers (
			status, patient_id, patient_name, patient_identifier, phone,
			specialty_id, preferred_location_id, priority, transfer_reason, ai_observation, created_at
		) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11)
		RETURNING id
	`, models.TransferPending, input.PatientID, input.PatientName, input.PatientIdentifier, input.Phone,
		input.SpecialtyID, input.PreferredLocationID, priority, input.TransferReason, input.AIObservation, createdAt)
	if err := row.Scan(&transferID); err != nil {
		return models.TransferRequest{}, err
	}
	return s.getTransfer(ctx, transferID)
}

func (s *Store) ListTransfers(ctx context.Context, status string) ([]models.TransferRequest, error) {
	rows, err := s.pool.Query(ctx, transferSelect+`
		WHERE t.status = $1
		ORDER BY t.created_at ASC
		LIMIT $2
	`, status, transferPageSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []models.TransferRequest
	for rows.Next() {
		transfer, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, transfer)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return transfers, nil
}

func (s *Store) AcceptTransfer(ctx context.Context, transferID, userID int64) (models.TransferRequest, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ai_transfers
		SET status = 'accepted',
			assigned_user_id = $2,
			accepted_at = $3
		WHERE id = $1 AND status = ANY($4)
	`, transferID, userID, time.Now().UTC(), store.TransferSources("accept"))
	if err != nil {
		return models.TransferRequest{}, err
	}
	return s.afterTransition(ctx, transferID, tag.RowsAffected())
}

func (s *Store) RejectTransfer(ctx context.Context, transferID int64, reason string) (models.TransferRequest, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ai_transfers
		SET status = 'rejected',
			rejected_reason = NULLIF($2, '')
		WHERE id = $1 AND status = ANY($3)
	`, transferID, reason, store.TransferSources("reject"))
	if err != nil {
		return models.TransferRequest{}, err
	}
	return s.afterTransition(ctx, transferID, tag.RowsAffected())
}

func (s *Store) CompleteTransfer(ctx context.Context, transferID int64) (models.TransferRequest, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE ai_transfers
		SET status = 'completed'
		WHERE id = $1 AND status = ANY($2)
	`, transferID, store.TransferSources("complete"))
	if err != nil {
		return models.TransferRequest{}, err
	}
	return s.afterTransition(ctx, transferID, tag.RowsAffected())
}

// afterTransition turns a zero affected-row count into either "not
// found" or "lost the race". Zero rows is the only sanctioned conflict
// signal; it is never retried.
func (s *Store) afterTransition(ctx context.Context, transferID, affected int64) (models.TransferRequest, error) {
	if affected == 0 {
		var exists bool
		row := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ai_transfers WHERE id = $1)`, transferID)
		if err := row.Scan(&exists); err != nil {
			return models.TransferRequest{}, err
		}
		if !exists {
			return models.TransferRequest{}, store.ErrTransferNotFound
		}
		return models.TransferRequest{}, store.ErrAlreadyProcessed
	}
	return s.getTransfer(ctx, transferID)
}
