package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ledgersync/backend/internal/models"
	"github.com/ledgersync/backend/internal/services"
	"github.com/ledgersync/backend/internal/store"
)

const dateLayout = "2006-01-02"

type ScheduleHandler struct {
	schedules *store.ScheduleStore
	entries   *store.EntryStore
	validator *services.ValidationHelper
	log       zerolog.Logger
}

func NewScheduleHandler(schedules *store.ScheduleStore, entries *store.EntryStore, log zerolog.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		schedules: schedules,
		entries:   entries,
		validator: services.NewValidationHelper(),
		log:       log,
	}
}

type createScheduleRequest struct {
	TenantID         string `json:"tenant_id" validate:"required"`
	Type             string `json:"type" validate:"required,oneof=PREPAID UNEARNED"`
	StartDate        string `json:"start_date" validate:"required"`
	EndDate          string `json:"end_date" validate:"required"`
	TotalAmount      string `json:"total_amount" validate:"required"`
	ExpenseAcctCode  string `json:"expense_acct_code" validate:"required_if=Type PREPAID"`
	RevenueAcctCode  string `json:"revenue_acct_code" validate:"required_if=Type UNEARNED"`
	DeferralAcctCode string `json:"deferral_acct_code" validate:"required"`
	Description      string `json:"description"`
}

// CreateSchedule creates a schedule and materializes its recognition entries.
func (h *ScheduleHandler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	startDate, err := time.Parse(dateLayout, req.StartDate)
	if err != nil {
		services.SendErrorResponse(w, "start_date must be YYYY-MM-DD", http.StatusBadRequest, nil)
		return
	}
	endDate, err := time.Parse(dateLayout, req.EndDate)
	if err != nil {
		services.SendErrorResponse(w, "end_date must be YYYY-MM-DD", http.StatusBadRequest, nil)
		return
	}
	totalAmount, err := decimal.NewFromString(req.TotalAmount)
	if err != nil {
		services.SendErrorResponse(w, "total_amount must be a decimal string", http.StatusBadRequest, nil)
		return
	}

	schedule := models.Schedule{
		ID:               uuid.New().String(),
		TenantID:         req.TenantID,
		Type:             models.ScheduleType(req.Type),
		StartDate:        startDate,
		EndDate:          endDate,
		TotalAmount:      totalAmount,
		ExpenseAcctCode:  req.ExpenseAcctCode,
		RevenueAcctCode:  req.RevenueAcctCode,
		DeferralAcctCode: req.DeferralAcctCode,
		Description:      req.Description,
	}

	entries, err := services.EntriesForSchedule(schedule)
	if err != nil {
		if errors.Is(err, services.ErrInvalidRange) || errors.Is(err, services.ErrInvalidAmount) {
			services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
			return
		}
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	if err := h.schedules.Create(r.Context(), schedule); err != nil {
		h.log.Error().Err(err).Str("tenant_id", req.TenantID).Msg("failed to create schedule")
		services.SendErrorResponse(w, "Failed to create schedule", http.StatusInternalServerError, nil)
		return
	}
	if err := h.entries.CreateAll(r.Context(), entries); err != nil {
		h.log.Error().Err(err).Str("schedule_id", schedule.ID).Msg("failed to create entries")
		services.SendErrorResponse(w, "Failed to create entries", http.StatusInternalServerError, nil)
		return
	}

	h.log.Info().
		Str("schedule_id", schedule.ID).
		Str("tenant_id", schedule.TenantID).
		Int("entries", len(entries)).
		Msg("schedule created")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]any{
		"success":  true,
		"schedule": schedule,
		"entries":  entries,
	})
}

// RegenerateEntries replaces a schedule's entries. Refused once any entry
// has been posted to the remote ledger.
func (h *ScheduleHandler) RegenerateEntries(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")

	schedule, err := h.schedules.Get(r.Context(), scheduleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			services.SendErrorResponse(w, "Schedule not found", http.StatusNotFound, nil)
			return
		}
		services.SendErrorResponse(w, "Failed to load schedule", http.StatusInternalServerError, nil)
		return
	}

	posted, err := h.entries.HasPosted(r.Context(), scheduleID)
	if err != nil {
		services.SendErrorResponse(w, "Failed to check posted entries", http.StatusInternalServerError, nil)
		return
	}
	if posted {
		services.SendErrorResponse(w, "Schedule has posted entries and cannot be regenerated", http.StatusConflict, nil)
		return
	}

	entries, err := services.EntriesForSchedule(schedule)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	if err := h.entries.DeleteBySchedule(r.Context(), scheduleID); err != nil {
		services.SendErrorResponse(w, "Failed to delete entries", http.StatusInternalServerError, nil)
		return
	}
	if err := h.entries.CreateAll(r.Context(), entries); err != nil {
		services.SendErrorResponse(w, "Failed to create entries", http.StatusInternalServerError, nil)
		return
	}

	h.log.Info().Str("schedule_id", scheduleID).Int("entries", len(entries)).Msg("schedule entries regenerated")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"entries": entries,
	})
}

// ListEntries returns a schedule's recognition entries in period order.
func (h *ScheduleHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	scheduleID := chi.URLParam(r, "scheduleID")

	if _, err := h.schedules.Get(r.Context(), scheduleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			services.SendErrorResponse(w, "Schedule not found", http.StatusNotFound, nil)
			return
		}
		services.SendErrorResponse(w, "Failed to load schedule", http.StatusInternalServerError, nil)
		return
	}

	entries, err := h.entries.ListBySchedule(r.Context(), scheduleID)
	if err != nil {
		services.SendErrorResponse(w, "Failed to list entries", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"entries": entries,
	})
}

// decodeJSON decodes a single JSON object request body, rejecting unknown
// fields and trailing content. Writes the error response itself on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}
