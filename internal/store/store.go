package store

import (
	"context"
	"time"

	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/models"
)

type EnqueueInput struct {
	PatientID   int64
	SpecialtyID int64
	Priority    string
	Reason      string
	Phone       string
	CreatedAt   time.Time
}

type ScheduleInput struct {
	EntryID int64
	UserID  int64
	Outcome string
	Notes   string
}

type CreateTransferInput struct {
	PatientID           *int64
	PatientName         string
	PatientIdentifier   string
	Phone               string
	SpecialtyID         *int64
	PreferredLocationID *int64
	Priority            string
	TransferReason      string
	AIObservation       string
	CreatedAt           time.Time
}

// QueueStore owns every queue_entries state transition. Mutations are
// single guarded statements so concurrent agents race at the row level,
// not in process memory.
type QueueStore interface {
	Enqueue(ctx context.Context, input EnqueueInput) (models.QueueEntry, bool, error)
	AssignNext(ctx context.Context, specialtyID, userID int64) (models.QueueEntry, error)
	AssignEntry(ctx context.Context, entryID, userID int64) (models.QueueEntry, error)
	ScheduleEntry(ctx context.Context, input ScheduleInput) (models.QueueEntry, error)
	CancelEntry(ctx context.Context, entryID int64) error
	ListWaiting(ctx context.Context) ([]models.QueueEntry, error)
	ListGrouped(ctx context.Context) ([]models.SpecialtyGroup, error)
	Overview(ctx context.Context) (models.QueueOverview, error)
}

type TransferStore interface {
	CreateTransfer(ctx context.Context, input CreateTransferInput) (models.TransferRequest, error)
	ListTransfers(ctx context.Context, status string) ([]models.TransferRequest, error)
	AcceptTransfer(ctx context.Context, transferID, userID int64) (models.TransferRequest, error)
	RejectTransfer(ctx context.Context, transferID int64, reason string) (models.TransferRequest, error)
	CompleteTransfer(ctx context.Context, transferID int64) (models.TransferRequest, error)
}

type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (Session, error)
}

type Session struct {
	SessionID string
	UserID    int64
	Role      string
	ExpiresAt time.Time
}

// Store is what the HTTP layer is wired against.
type Store interface {
	QueueStore
	TransferStore
	SessionStore
}
