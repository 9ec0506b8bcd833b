package postgres

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/models"
	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/store"
)

func TestAssignNextConcurrency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	specialtyID := seedSpecialty(t, ctx, pool, "Cardiología")
	userA := seedUser(t, ctx, pool, "Agente A")
	userB := seedUser(t, ctx, pool, "Agente B")

	base := time.Now().UTC().Add(-time.Minute)
	enqueue(t, ctx, st, seedPatient(t, ctx, pool, "Primero"), specialtyID, models.PriorityNormal, base)
	enqueue(t, ctx, st, seedPatient(t, ctx, pool, "Segundo"), specialtyID, models.PriorityNormal, base.Add(time.Second))

	type assignResult struct {
		entryID int64
		err     error
	}

	var wg sync.WaitGroup
	results := make(chan assignResult, 2)
	for _, userID := range []int64{userA, userB} {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			entry, err := st.AssignNext(ctx, specialtyID, uid)
			results <- assignResult{entryID: entry.ID, err: err}
		}(userID)
	}
	wg.Wait()
	close(results)

	var ids []int64
	for result := range results {
		if result.err != nil {
			t.Fatalf("assign next: %v", result.err)
		}
		ids = append(ids, result.entryID)
	}
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("expected two distinct assignments, got %v", ids)
	}

	if _, err := st.AssignNext(ctx, specialtyID, userA); !errors.Is(err, store.ErrNoEntry) {
		t.Fatalf("expected empty queue, got %v", err)
	}
}

func TestAssignNextIsStrictFIFO(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	specialtyID := seedSpecialty(t, ctx, pool, "Dermatología")
	userID := seedUser(t, ctx, pool, "Agente")

	base := time.Now().UTC().Add(-time.Hour)
	first := enqueue(t, ctx, st, seedPatient(t, ctx, pool, "Primero"), specialtyID, models.PriorityLow, base)
	second := enqueue(t, ctx, st, seedPatient(t, ctx, pool, "Segundo"), specialtyID, models.PriorityHigh, base.Add(time.Minute))
	third := enqueue(t, ctx, st, seedPatient(t, ctx, pool, "Tercero"), specialtyID, models.PriorityNormal, base.Add(2*time.Minute))

	for i, want := range []int64{first, second, third} {
		entry, err := st.AssignNext(ctx, specialtyID, userID)
		if err != nil {
			t.Fatalf("assign %d: %v", i, err)
		}
		if entry.ID != want {
			t.Fatalf("assign %d: got entry %d, want %d", i, entry.ID, want)
		}
		if entry.Status != models.StatusAssigned || entry.AssignedUserID == nil || *entry.AssignedUserID != userID {
			t.Fatalf("assign %d: unexpected entry %+v", i, entry)
		}
	}
}

func TestEnqueueIdempotency(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	specialtyID := seedSpecialty(t, ctx, pool, "Pediatría")
	patientID := seedPatient(t, ctx, pool, "Ana")

	first, created, err := st.Enqueue(ctx, store.EnqueueInput{PatientID: patientID, SpecialtyID: specialtyID, Priority: models.PriorityNormal})
	if err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}
	second, created, err := st.Enqueue(ctx, store.EnqueueInput{PatientID: patientID, SpecialtyID: specialtyID, Priority: models.PriorityHigh})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected existing entry back, got created=%v id=%d want %d", created, second.ID, first.ID)
	}

	var count int
	row := pool.QueryRow(ctx, `SELECT COUNT(*) FROM queue_entries WHERE patient_id = $1`, patientID)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count entries: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 entry, got %d", count)
	}

	// a scheduled entry no longer blocks re-enqueueing
	userID := seedUser(t, ctx, pool, "Agente")
	if _, err := st.AssignNext(ctx, specialtyID, userID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := st.ScheduleEntry(ctx, store.ScheduleInput{EntryID: first.ID, UserID: userID, Outcome: "Cita agendada"}); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	_, created, err = st.Enqueue(ctx, store.EnqueueInput{PatientID: patientID, SpecialtyID: specialtyID, Priority: models.PriorityNormal})
	if err != nil || !created {
		t.Fatalf("re-enqueue after schedule: created=%v err=%v", created, err)
	}
}

func TestEnqueueUnknownPatient(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	specialtyID := seedSpecialty(t, ctx, pool, "Pediatría")
	_, _, err := st.Enqueue(ctx, store.EnqueueInput{PatientID: 999999, SpecialtyID: specialtyID, Priority: models.PriorityNormal})
	if !errors.Is(err, store.ErrPatientNotFound) {
		t.Fatalf("expected patient not found, got %v", err)
	}
}

func TestAssignEntryLostRace(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	specialtyID := seedSpecialty(t, ctx, pool, "Ortopedia")
	userA := seedUser(t, ctx, pool, "Agente A")
	userB := seedUser(t, ctx, pool, "Agente B")
	entryID := enqueue(t, ctx, st, seedPatient(t, ctx, pool, "Ana"), specialtyID, models.PriorityNormal, time.Now().UTC())

	if _, err := st.AssignEntry(ctx, entryID, userA); err != nil {
		t.Fatalf("first assign: %v", err)
	}
	if _, err := st.AssignEntry(ctx, entryID, userB); !errors.Is(err, store.ErrAlreadyAssigned) {
		t.Fatalf("expected already assigned, got %v", err)
	}
	if _, err := st.AssignEntry(ctx, 999999, userB); !errors.Is(err, store.ErrEntryNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestScheduleWritesCallLog(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	specialtyID := seedSpecialty(t, ctx, pool, "Cardiología")
	userID := seedUser(t, ctx, pool, "Agente")
	patientID := seedPatient(t, ctx, pool, "Ana")
	entryID := enqueue(t, ctx, st, patientID, specialtyID, models.PriorityNormal, time.Now().UTC())

	if _, err := st.AssignNext(ctx, specialtyID, userID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	entry, err := st.ScheduleEntry(ctx, store.ScheduleInput{EntryID: entryID, UserID: userID, Outcome: "No contestó", Notes: "volver a llamar"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if entry.Status != models.StatusScheduled {
		t.Fatalf("unexpected status %q", entry.Status)
	}

	var outcome, channel string
	row := pool.QueryRow(ctx, `SELECT outcome, channel FROM call_logs WHERE queue_id = $1`, entryID)
	if err := row.Scan(&outcome, &channel); err != nil {
		t.Fatalf("read call log: %v", err)
	}
	if outcome != "No contestó" || channel != "Manual" {
		t.Fatalf("unexpected call log: outcome=%q channel=%q", outcome, channel)
	}
}

func TestTransferLifecycle(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	userID := seedUser(t, ctx, pool, "Agente")

	transfer, err := st.CreateTransfer(ctx, store.CreateTransferInput{
		PatientName: "Ana",
		Phone:       "3001234567",
		Priority:    models.TransferPriorityHigh,
	})
	if err != nil {
		t.Fatalf("create transfer: %v", err)
	}
	if transfer.Status != models.TransferPending {
		t.Fatalf("unexpected status %q", transfer.Status)
	}

	accepted, err := st.AcceptTransfer(ctx, transfer.ID, userID)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if accepted.Status != models.TransferAccepted || accepted.AssignedUserID == nil || *accepted.AssignedUserID != userID {
		t.Fatalf("unexpected transfer %+v", accepted)
	}

	if _, err := st.AcceptTransfer(ctx, transfer.ID, userID); !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed on double accept, got %v", err)
	}

	completed, err := st.CompleteTransfer(ctx, transfer.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != models.TransferCompleted {
		t.Fatalf("unexpected status %q", completed.Status)
	}

	if _, err := st.RejectTransfer(ctx, transfer.ID, "tarde"); !errors.Is(err, store.ErrAlreadyProcessed) {
		t.Fatalf("expected already processed on reject after complete, got %v", err)
	}
	if _, err := st.AcceptTransfer(ctx, 999999, userID); !errors.Is(err, store.ErrTransferNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetSessionHonorsExpiry(t *testing.T) {
	ctx := context.Background()
	st, pool, cleanup := setupTestStore(t, ctx)
	t.Cleanup(cleanup)

	userID := seedUser(t, ctx, pool, "Agente")

	live := uuid.NewString()
	expired := uuid.NewString()
	if _, err := pool.Exec(ctx, `
		INSERT INTO sessions (session_id, user_id, role, expires_at)
		VALUES ($1, $2, 'agent', now() + interval '1 hour'),
		       ($3, $2, 'agent', now() - interval '1 hour')
	`, live, userID, expired); err != nil {
		t.Fatalf("insert sessions: %v", err)
	}

	session, err := st.GetSession(ctx, live)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.UserID != userID || session.Role != "agent" {
		t.Fatalf("unexpected session %+v", session)
	}
	if _, err := st.GetSession(ctx, expired); !errors.Is(err, store.ErrSessionNotFound) {
		t.Fatalf("expected expired session rejected, got %v", err)
	}
}

func enqueue(t *testing.T, ctx context.Context, st *Store, patientID, specialtyID int64, priority string, createdAt time.Time) int64 {
	t.Helper()
	entry, created, err := st.Enqueue(ctx, store.EnqueueInput{
		PatientID:   patientID,
		SpecialtyID: specialtyID,
		Priority:    priority,
		CreatedAt:   createdAt,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !created {
		t.Fatalf("expected new entry for patient %d", patientID)
	}
	return entry.ID
}

func seedPatient(t *testing.T, ctx context.Context, pool *pgxpool.Pool, name string) int64 {
	t.Helper()
	var id int64
	row := pool.QueryRow(ctx, `INSERT INTO patients (name, phone) VALUES ($1, '3000000000') RETURNING id`, name)
	if err := row.Scan(&id); err != nil {
		t.Fatalf("insert patient: %v", err)
	}
	return id
}

func seedSpecialty(t *testing.T, ctx context.Context, pool *pgxpool.Pool, name string) int64 {
	t.Helper()
	var id int64
	row := pool.QueryRow(ctx, `INSERT INTO specialties (name) VALUES ($1) RETURNING id`, name)
	if err := row.Scan(&id); err != nil {
		t.Fatalf("insert specialty: %v", err)
	}
	return id
}

func seedUser(t *testing.T, ctx context.Context, pool *pgxpool.Pool, name string) int64 {
	t.Helper()
	var id int64
	row := pool.QueryRow(ctx, `INSERT INTO users (name, role) VALUES ($1, 'agent') RETURNING id`, name)
	if err := row.Scan(&id); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return id
}

func setupTestStore(t *testing.T, ctx context.Context) (*Store, *pgxpool.Pool, func()) {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		dsn = os.Getenv("DB_DSN")
	}
	if dsn == "" {
		t.Skip("TEST_DB_DSN or DB_DSN is required for integration tests")
	}

	schema := "test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	if err := createSchema(ctx, dsn, schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	pool, err := newPoolWithSchema(ctx, dsn, schema)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}

	st := NewStore(pool)
	cleanup := func() {
		pool.Close()
		_ = dropSchema(context.Background(), dsn, schema)
	}
	return st, pool, cleanup
}

func createSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "CREATE SCHEMA "+schema)
	return err
}

func dropSchema(ctx context.Context, dsn, schema string) error {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "DROP SCHEMA "+schema+" CASCADE")
	return err
}

func newPoolWithSchema(ctx context.Context, dsn, schema string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	return pgxpool.NewWithConfig(ctx, cfg)
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	dir := filepath.Join("..", "..", "..", "migrations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)
	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if strings.TrimSpace(string(content)) == "" {
			continue
		}
		if _, err := pool.Exec(ctx, string(content)); err != nil {
			return err
		}
	}
	return nil
}
