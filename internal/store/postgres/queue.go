package postgres

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"time"

	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/models"
	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const entrySelect = `
	SELECT q.id, q.patient_id, q.specialty_id, q.priority,
		COALESCE(q.reason, ''), COALESCE(q.phone, ''), q.status,
		q.assigned_user_id, q.assigned_at, q.created_at,
		s.name, p.name, COALESCE(p.phone, '')
	FROM queue_entries q
	JOIN specialties s ON s.id = q.specialty_id
	JOIN patients p ON p.id = q.patient_id
`

func scanEntry(row pgx.Row) (models.QueueEntry, error) {
	var entry models.QueueEntry
	var assignedUser sql.NullInt64
	var assignedAt sql.NullTime
	if err := row.Scan(
		&entry.ID, &entry.PatientID, &entry.SpecialtyID, &entry.Priority,
		&entry.Reason, &entry.Phone, &entry.Status,
		&assignedUser, &assignedAt, &entry.CreatedAt,
		&entry.SpecialtyName, &entry.PatientName, &entry.PatientPhone,
	); err != nil {
		return models.QueueEntry{}, err
	}
	if assignedUser.Valid {
		entry.AssignedUserID = &assignedUser.Int64
	}
	if assignedAt.Valid {
		t := assignedAt.Time
		entry.AssignedAt = &t
	}
	return entry, nil
}

func (s *Store) getEntry(ctx context.Context, entryID int64) (models.QueueEntry, error) {
	entry, err := scanEntry(s.pool.QueryRow(ctx, entrySelect+` WHERE q.id = $1`, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}
	return entry, nil
}

func (s *Store) Enqueue(ctx context.Context, input store.EnqueueInput) (models.QueueEntry, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = ensurePatientExists(ctx, tx, input.PatientID); err != nil {
		return models.QueueEntry{}, false, err
	}
	if err = ensureSpecialtyExists(ctx, tx, input.SpecialtyID); err != nil {
		return models.QueueEntry{}, false, err
	}

	var existingID int64
	row := tx.QueryRow(ctx, `
		SELECT id FROM queue_entries
		WHERE status = 'waiting' AND patient_id = $1 AND specialty_id = $2
		ORDER BY created_at ASC
		LIMIT 1
	`, input.PatientID, input.SpecialtyID)
	if err = row.Scan(&existingID); err == nil {
		if err = tx.Commit(ctx); err != nil {
			return models.QueueEntry{}, false, err
		}
		entry, err := s.getEntry(ctx, existingID)
		if err != nil {
			return models.QueueEntry{}, false, err
		}
		return entry, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.QueueEntry{}, false, err
	}
	err = nil

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var entryID int64
	row = tx.QueryRow(ctx, `
		INSERT INTO queue_entries (patient_id, specialty_id, priority, reason, phone, status, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		RETURNING id
	`, input.PatientID, input.SpecialtyID, input.Priority, input.Reason, input.Phone, models.StatusWaiting, createdAt)
	if err = row.Scan(&entryID); err != nil {
		return models.QueueEntry{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, false, err
	}

	entry, err := s.getEntry(ctx, entryID)
	if err != nil {
		return models.QueueEntry{}, false, err
	}
	return entry, true, nil
}

// AssignNext claims the oldest waiting entry for a specialty in a
// single guarded statement. The row-level lock plus the status guard is
// what makes concurrent "take next" calls hand each entry to exactly
// one caller, including when several process instances share the
// database.
func (s *Store) AssignNext(ctx context.Context, specialtyID, userID int64) (models.QueueEntry, error) {
	var entryID int64
	row := s.pool.QueryRow(ctx, `
		WITH next_entry AS (
			SELECT id FROM queue_entries
			WHERE status = 'waiting' AND specialty_id = $1
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE queue_entries q
		SET status = 'assigned',
			assigned_user_id = $2,
			assigned_at = $3
		FROM next_entry
		WHERE q.id = next_entry.id AND q.status = 'waiting'
		RETURNING q.id
	`, specialtyID, userID, time.Now().UTC())
	if err := row.Scan(&entryID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrNoEntry
		}
		return models.QueueEntry{}, err
	}
	return s.getEntry(ctx, entryID)
}

func (s *Store) AssignEntry(ctx context.Context, entryID, userID int64) (models.QueueEntry, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries
		SET status = 'assigned',
			assigned_user_id = $2,
			assigned_at = $3
		WHERE id = $1 AND status = 'waiting'
	`, entryID, userID, time.Now().UTC())
	if err != nil {
		return models.QueueEntry{}, err
	}
	if tag.RowsAffected() == 0 {
		exists, err := s.entryExists(ctx, entryID)
		if err != nil {
			return models.QueueEntry{}, err
		}
		if !exists {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, store.ErrAlreadyAssigned
	}
	return s.getEntry(ctx, entryID)
}

func (s *Store) ScheduleEntry(ctx context.Context, input store.ScheduleInput) (models.QueueEntry, error) {
	var patientID, specialtyID int64
	row := s.pool.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = 'scheduled'
		WHERE id = $1
		RETURNING patient_id, specialty_id
	`, input.EntryID)
	if err := row.Scan(&patientID, &specialtyID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, store.ErrEntryNotFound
		}
		return models.QueueEntry{}, err
	}

	// Outcome logging is best effort; a failed call_logs insert must
	// not unwind the committed transition.
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO call_logs (patient_id, specialty_id, queue_id, user_id, channel, outcome, notes)
		VALUES ($1, $2, $3, $4, 'Manual', $5, NULLIF($6, ''))
	`, patientID, specialtyID, input.EntryID, input.UserID, input.Outcome, input.Notes); err != nil {
		log.Printf("call log insert error for entry %d: %v", input.EntryID, err)
	}

	return s.getEntry(ctx, input.EntryID)
}

func (s *Store) CancelEntry(ctx context.Context, entryID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE queue_entries SET status = 'cancelled' WHERE id = $1
	`, entryID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrEntryNotFound
	}
	return nil
}

func (s *Store) ListWaiting(ctx context.Context) ([]models.QueueEntry, error) {
	rows, err := s.pool.Query(ctx, entrySelect+`
		WHERE q.status = 'waiting'
		ORDER BY s.name ASC, q.created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) ListGrouped(ctx context.Context) ([]models.SpecialtyGroup, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT q.id, q.priority, q.created_at,
			EXTRACT(EPOCH FROM (now() - q.created_at))::bigint,
			ROW_NUMBER() OVER (PARTITION BY q.specialty_id ORDER BY q.created_at ASC),
			s.id, s.name,
			p.id, p.name, COALESCE(p.phone, '')
		FROM queue_entries q
		JOIN specialties s ON s.id = q.specialty_id
		JOIN patients p ON p.id = q.patient_id
		WHERE q.status = 'waiting'
		ORDER BY s.name ASC, q.created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []models.SpecialtyGroup
	index := map[int64]int{}
	for rows.Next() {
		var item models.GroupedEntry
		var createdAt time.Time
		var position int64
		var specialtyID int64
		var specialtyName string
		if err := rows.Scan(
			&item.ID, &item.Priority, &createdAt,
			&item.WaitSeconds, &position,
			&specialtyID, &specialtyName,
			&item.Patient.ID, &item.Patient.Name, &item.Patient.Phone,
		); err != nil {
			return nil, err
		}
		item.Position = int(position)
		at, ok := index[specialtyID]
		if !ok {
			groups = append(groups, models.SpecialtyGroup{SpecialtyID: specialtyID, SpecialtyName: specialtyName})
			at = len(groups) - 1
			index[specialtyID] = at
		}
		groups[at].Count++
		groups[at].Items = append(groups[at].Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *Store) Overview(ctx context.Context) (models.QueueOverview, error) {
	var overview models.QueueOverview
	var avgWait sql.NullFloat64
	var maxWait sql.NullInt64
	row := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'waiting'),
			AVG(EXTRACT(EPOCH FROM (now() - created_at))) FILTER (WHERE status = 'waiting'),
			EXTRACT(EPOCH FROM (now() - MIN(created_at) FILTER (WHERE status = 'waiting')))::bigint
		FROM queue_entries
	`)
	if err := row.Scan(&overview.Waiting, &avgWait, &maxWait); err != nil {
		return models.QueueOverview{}, err
	}
	if avgWait.Valid {
		overview.AvgWaitSeconds = int64(avgWait.Float64 + 0.5)
	}
	if maxWait.Valid {
		overview.MaxWaitSeconds = maxWait.Int64
	}

	// A failed agent count degrades to zero rather than failing the
	// overview card.
	var agents int
	row = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM users
		WHERE role IN ('agent', 'reception') AND status = 'Activo'
	`)
	if err := row.Scan(&agents); err != nil {
		log.Printf("agent count error: %v", err)
		agents = 0
	}
	overview.AgentsAvailable = agents
	return overview, nil
}

func (s *Store) entryExists(ctx context.Context, entryID int64) (bool, error) {
	var exists bool
	row := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM queue_entries WHERE id = $1)`, entryID)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func ensurePatientExists(ctx context.Context, tx pgx.Tx, patientID int64) error {
	var id int64
	row := tx.QueryRow(ctx, `SELECT id FROM patients WHERE id = $1`, patientID)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrPatientNotFound
		}
		return err
	}
	return nil
}

func ensureSpecialtyExists(ctx context.Context, tx pgx.Tx, specialtyID int64) error {
	var id int64
	row := tx.QueryRow(ctx, `SELECT id FROM specialties WHERE id = $1`, specialtyID)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrSpecialtyNotFound
		}
		return err
	}
	return nil
}
