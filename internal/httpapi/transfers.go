package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/bus"
	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/models"
	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/store"
)

func (h *Handler) handleTransferSub(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/transfers/")
	switch rest {
	case "stream":
		h.handleStream(w, r, bus.ChannelTransfers)
		return
	case "public":
		h.handleCreateTransfer(w, r)
		return
	}

	idPart, action, _ := strings.Cut(rest, "/")
	transferID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || transferID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid transfer id")
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "accept":
		h.handleAcceptTransfer(w, r, transferID)
	case "reject":
		h.handleRejectTransfer(w, r, transferID)
	case "complete":
		h.handleCompleteTransfer(w, r, transferID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type createTransferRequest struct {
	PatientID           *int64 `json:"patient_id"`
	PatientName         string `json:"patient_name"`
	PatientIdentifier   string `json:"patient_identifier"`
	Phone               string `json:"phone"`
	SpecialtyID         *int64 `json:"specialty_id"`
	PreferredLocationID *int64 `json:"preferred_location_id"`
	Priority            string `json:"priority"`
	TransferReason      string `json:"transfer_reason"`
	AIObservation       string `json:"ai_observation"`
}

// handleCreateTransfer is the voice-AI entry point. It is authenticated
// by a shared secret header, not a user session, because the caller is
// an automated phone agent.
func (h *Handler) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.aiAPIKey == "" {
		writeError(w, http.StatusServiceUnavailable, "service_unavailable", "AI transfers disabled (no API key configured)")
		return
	}
	if r.Header.Get("X-API-Key") != h.aiAPIKey {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
		return
	}

	var req createTransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Priority = strings.TrimSpace(req.Priority)
	if req.Priority == "" {
		req.Priority = models.TransferPriorityMedium
	}
	if !isTransferPriority(req.Priority) {
		writeError(w, http.StatusBadRequest, "invalid_request", "priority must be Alta, Media, or Baja")
		return
	}
	if len(req.PatientIdentifier) > 50 || len(req.Phone) > 30 || len(req.TransferReason) > 255 {
		writeError(w, http.StatusBadRequest, "invalid_request", "field exceeds maximum length")
		return
	}

	transfer, err := h.store.CreateTransfer(r.Context(), store.CreateTransferInput{
		PatientID:           req.PatientID,
		PatientName:         strings.TrimSpace(req.PatientName),
		PatientIdentifier:   strings.TrimSpace(req.PatientIdentifier),
		Phone:               strings.TrimSpace(req.Phone),
		SpecialtyID:         req.SpecialtyID,
		PreferredLocationID: req.PreferredLocationID,
		Priority:            req.Priority,
		TransferReason:      strings.TrimSpace(req.TransferReason),
		AIObservation:       strings.TrimSpace(req.AIObservation),
		CreatedAt:           time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	h.bus.Publish(bus.ChannelTransfers, "created", transfer)
	writeJSON(w, http.StatusCreated, transfer)
}

func (h *Handler) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))
	switch status {
	case models.TransferPending, models.TransferAccepted, models.TransferRejected, models.TransferCompleted:
	default:
		status = models.TransferPending
	}

	transfers, err := h.store.ListTransfers(r.Context(), status)
	if err != nil {
		s, code, msg := mapError(err)
		writeError(w, s, code, msg)
		return
	}
	if transfers == nil {
		transfers = []models.TransferRequest{}
	}
	writeJSON(w, http.StatusOK, transfers)
}

func (h *Handler) handleAcceptTransfer(w http.ResponseWriter, r *http.Request, transferID int64) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	transfer, err := h.store.AcceptTransfer(r.Context(), transferID, session.UserID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	h.bus.Publish(bus.ChannelTransfers, "accepted", map[string]interface{}{
		"id":               transferID,
		"assigned_user_id": session.UserID,
	})
	writeJSON(w, http.StatusOK, transfer)
}

type rejectTransferRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleRejectTransfer(w http.ResponseWriter, r *http.Request, transferID int64) {
	var req rejectTransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Reason) > 255 {
		writeError(w, http.StatusBadRequest, "invalid_request", "reason must be at most 255 characters")
		return
	}

	transfer, err := h.store.RejectTransfer(r.Context(), transferID, strings.TrimSpace(req.Reason))
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	h.bus.Publish(bus.ChannelTransfers, "rejected", map[string]interface{}{
		"id":     transferID,
		"reason": strings.TrimSpace(req.Reason),
	})
	writeJSON(w, http.StatusOK, transfer)
}

func (h *Handler) handleCompleteTransfer(w http.ResponseWriter, r *http.Request, transferID int64) {
	transfer, err := h.store.CompleteTransfer(r.Context(), transferID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	h.bus.Publish(bus.ChannelTransfers, "completed", map[string]interface{}{"id": transferID})
	writeJSON(w, http.StatusOK, transfer)
}

func isTransferPriority(priority string) bool {
	switch priority {
	case models.TransferPriorityHigh, models.TransferPriorityMedium, models.TransferPriorityLow:
		return true
	}
	return false
}
