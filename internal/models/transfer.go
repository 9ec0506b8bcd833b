package models

import "time"

// TransferRequest is a handoff created by the voice-AI integration. The
// caller may not exist as a patient yet, so the descriptor fields are
// free text and patient_id is optional.
type TransferRequest struct {
	ID                  int64      `json:"id"`
	Status              string     `json:"status"`
	PatientID           *int64     `json:"patient_id,omitempty"`
	PatientName         string     `json:"patient_name,omitempty"`
	PatientIdentifier   string     `json:"patient_identifier,omitempty"`
	Phone               string     `json:"phone,omitempty"`
	SpecialtyID         *int64     `json:"specialty_id,omitempty"`
	PreferredLocationID *int64     `json:"preferred_location_id,omitempty"`
	Priority            string     `json:"priority"`
	TransferReason      string     `json:"transfer_reason,omitempty"`
	AIObservation       string     `json:"ai_observation,omitempty"`
	AssignedUserID      *int64     `json:"assigned_user_id,omitempty"`
	AcceptedAt          *time.Time `json:"accepted_at,omitempty"`
	RejectedReason      string     `json:"rejected_reason,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	SpecialtyName       string     `json:"specialty_name,omitempty"`
	PreferredLocation   string     `json:"preferred_location_name,omitempty"`
	WaitMinutes         int64      `json:"wait_minutes"`
}

const (
	TransferPending   = "pending"
	TransferAccepted  = "accepted"
	TransferRejected  = "rejected"
	TransferCompleted = "completed"
)

const (
	TransferPriorityHigh   = "Alta"
	TransferPriorityMedium = "Media"
	TransferPriorityLow    = "Baja"
)
