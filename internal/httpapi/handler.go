package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/bus"
	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/models"
	"github.com/otakuogeek/Callcenter-MCP-sub003/internal/store"
)

const defaultHeartbeat = 25 * time.Second

type Handler struct {
	store     store.Store
	bus       *bus.Bus
	aiAPIKey  string
	heartbeat time.Duration
}

type Options struct {
	AIAPIKey  string
	Heartbeat time.Duration
}

func NewHandler(store store.Store, eventBus *bus.Bus, options Options) *Handler {
	heartbeat := options.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Handler{
		store:     store,
		bus:       eventBus,
		aiAPIKey:  options.AIAPIKey,
		heartbeat: heartbeat,
	}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/metrics", h.handleMetrics)
	mux.HandleFunc("/metrics/json", h.handleMetricsJSON)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/queue/", h.handleQueueSub)
	mux.HandleFunc("/api/transfers", h.handleListTransfers)
	mux.HandleFunc("/api/transfers/", h.handleTransferSub)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handleListWaiting(w, r)
	case http.MethodPost:
		h.handleEnqueue(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleQueueSub(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/queue/")
	switch rest {
	case "stream":
		h.handleStream(w, r, bus.ChannelQueue)
		return
	case "overview":
		h.handleOverview(w, r)
		return
	case "grouped":
		h.handleGrouped(w, r)
		return
	case "next":
		h.handleAssignNext(w, r)
		return
	}

	idPart, action, _ := strings.Cut(rest, "/")
	entryID, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil || entryID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid queue entry id")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodDelete:
		h.handleCancel(w, r, entryID)
	case action == "assign" && r.Method == http.MethodPost:
		h.handleAssignEntry(w, r, entryID)
	case action == "schedule" && r.Method == http.MethodPost:
		h.handleSchedule(w, r, entryID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type enqueueRequest struct {
	PatientID   int64  `json:"patient_id"`
	SpecialtyID int64  `json:"specialty_id"`
	Priority    string `json:"priority"`
	Reason      string `json:"reason"`
	Phone       string `json:"phone"`
}

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.PatientID <= 0 || req.SpecialtyID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "patient_id and specialty_id are required")
		return
	}
	req.Priority = strings.TrimSpace(req.Priority)
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	if !isQueuePriority(req.Priority) {
		writeError(w, http.StatusBadRequest, "invalid_request", "priority must be Alta, Normal, or Baja")
		return
	}
	if len(req.Reason) > 255 {
		writeError(w, http.StatusBadRequest, "invalid_request", "reason must be at most 255 characters")
		return
	}
	if len(req.Phone) > 30 {
		writeError(w, http.StatusBadRequest, "invalid_request", "phone must be at most 30 characters")
		return
	}

	entry, created, err := h.store.Enqueue(r.Context(), store.EnqueueInput{
		PatientID:   req.PatientID,
		SpecialtyID: req.SpecialtyID,
		Priority:    req.Priority,
		Reason:      strings.TrimSpace(req.Reason),
		Phone:       strings.TrimSpace(req.Phone),
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	if !created {
		entry.Duplicate = true
		writeJSON(w, http.StatusOK, entry)
		return
	}

	h.bus.Publish(bus.ChannelQueue, "enqueue", entry)
	writeJSON(w, http.StatusCreated, entry)
}

type assignNextRequest struct {
	SpecialtyID int64 `json:"specialty_id"`
}

func (h *Handler) handleAssignNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	var req assignNextRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SpecialtyID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "specialty_id is required")
		return
	}

	entry, err := h.store.AssignNext(r.Context(), req.SpecialtyID, session.UserID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	h.bus.Publish(bus.ChannelQueue, "assign", map[string]interface{}{
		"id":               entry.ID,
		"specialty_id":     entry.SpecialtyID,
		"assigned_user_id": session.UserID,
	})
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleAssignEntry(w http.ResponseWriter, r *http.Request, entryID int64) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	entry, err := h.store.AssignEntry(r.Context(), entryID, session.UserID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	h.bus.Publish(bus.ChannelQueue, "assign", map[string]interface{}{
		"id":               entry.ID,
		"specialty_id":     entry.SpecialtyID,
		"assigned_user_id": session.UserID,
	})
	writeJSON(w, http.StatusOK, entry)
}

type scheduleRequest struct {
	Outcome string `json:"outcome"`
	Notes   string `json:"notes"`
}

func (h *Handler) handleSchedule(w http.ResponseWriter, r *http.Request, entryID int64) {
	session, ok := sessionFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing session")
		return
	}

	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Outcome = strings.TrimSpace(req.Outcome)
	if req.Outcome == "" {
		req.Outcome = "Cita agendada"
	}
	if !isCallOutcome(req.Outcome) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid outcome")
		return
	}
	if len(req.Notes) > 255 {
		writeError(w, http.StatusBadRequest, "invalid_request", "notes must be at most 255 characters")
		return
	}

	entry, err := h.store.ScheduleEntry(r.Context(), store.ScheduleInput{
		EntryID: entryID,
		UserID:  session.UserID,
		Outcome: req.Outcome,
		Notes:   strings.TrimSpace(req.Notes),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}

	h.bus.Publish(bus.ChannelQueue, "scheduled", map[string]interface{}{"id": entryID})
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request, entryID int64) {
	if err := h.store.CancelEntry(r.Context(), entryID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	h.bus.Publish(bus.ChannelQueue, "cancelled", map[string]interface{}{"id": entryID})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListWaiting(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.ListWaiting(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *Handler) handleGrouped(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	groups, err := h.store.ListGrouped(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	if groups == nil {
		groups = []models.SpecialtyGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *Handler) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	overview, err := h.store.Overview(r.Context())
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, status, code, msg)
		return
	}
	overview.AvgWaitHM = clock(overview.AvgWaitSeconds)
	overview.MaxWaitHM = clock(overview.MaxWaitSeconds)
	writeJSON(w, http.StatusOK, overview)
}

func clock(seconds int64) string {
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

func isQueuePriority(priority string) bool {
	switch priority {
	case models.PriorityHigh, models.PriorityNormal, models.PriorityLow:
		return true
	}
	return false
}

func isCallOutcome(outcome string) bool {
	switch outcome {
	case "Cita agendada", "No contestó", "Rechazó", "Número inválido", "Otro":
		return true
	}
	return false
}

type errorResponse struct {
	Error responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// decodeJSON accepts an empty body, which stands for an all-defaults
// request on action endpoints like schedule and reject.
func decodeJSON(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: responseError{Code: code, Message: message}})
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrPatientNotFound):
		return http.StatusBadRequest, "invalid_request", "patient not found"
	case errors.Is(err, store.ErrSpecialtyNotFound):
		return http.StatusBadRequest, "invalid_request", "specialty not found"
	case errors.Is(err, store.ErrNoEntry):
		return http.StatusNotFound, "not_found", "no waiting entries for the specialty"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "not_found", "queue entry not found"
	case errors.Is(err, store.ErrTransferNotFound):
		return http.StatusNotFound, "not_found", "transfer not found"
	case errors.Is(err, store.ErrAlreadyAssigned):
		return http.StatusConflict, "conflict", "Entry already assigned"
	case errors.Is(err, store.ErrAlreadyProcessed):
		return http.StatusConflict, "conflict", "Transfer already processed"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}
