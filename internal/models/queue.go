package models

import "time"

type QueueEntry struct {
	ID             int64      `json:"id"`
	PatientID      int64      `json:"patient_id"`
	SpecialtyID    int64      `json:"specialty_id"`
	Priority       string     `json:"priority"`
	Reason         string     `json:"reason,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	Status         string     `json:"status"`
	AssignedUserID *int64     `json:"assigned_user_id,omitempty"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	SpecialtyName  string     `json:"specialty_name,omitempty"`
	PatientName    string     `json:"patient_name,omitempty"`
	PatientPhone   string     `json:"patient_phone,omitempty"`
	Duplicate      bool       `json:"duplicate,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusAssigned  = "assigned"
	StatusScheduled = "scheduled"
	StatusCancelled = "cancelled"
)

// Priorities are stored and displayed but never consulted when picking
// the next entry; selection is strict FIFO by created_at.
const (
	PriorityHigh   = "Alta"
	PriorityNormal = "Normal"
	PriorityLow    = "Baja"
)

type GroupedEntry struct {
	ID          int64        `json:"id"`
	Position    int          `json:"position"`
	Priority    string       `json:"priority"`
	WaitSeconds int64        `json:"wait_seconds"`
	Patient     PatientBrief `json:"patient"`
}

type PatientBrief struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type SpecialtyGroup struct {
	SpecialtyID   int64          `json:"specialty_id"`
	SpecialtyName string         `json:"specialty_name"`
	Count         int            `json:"count"`
	Items         []GroupedEntry `json:"items"`
}

type QueueOverview struct {
	Waiting         int    `json:"waiting"`
	AvgWaitSeconds  int64  `json:"avg_wait_seconds"`
	AvgWaitHM       string `json:"avg_wait_hm"`
	MaxWaitSeconds  int64  `json:"max_wait_seconds"`
	MaxWaitHM       string `json:"max_wait_hm"`
	AgentsAvailable int    `json:"agents_available"`
}
