package store

import "errors"

var (
	ErrNoEntry           = errors.New("no waiting entry available")
	ErrEntryNotFound     = errors.New("queue entry not found")
	ErrAlreadyAssigned   = errors.New("queue entry already assigned")
	ErrTransferNotFound  = errors.New("transfer not found")
	ErrAlreadyProcessed  = errors.New("transfer already processed")
	ErrPatientNotFound   = errors.New("patient not found")
	ErrSpecialtyNotFound = errors.New("specialty not found")
	ErrSessionNotFound   = errors.New("session not found")
)
