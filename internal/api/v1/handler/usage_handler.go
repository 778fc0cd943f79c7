package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"locketwan/internal/api/v1/dto"
	"locketwan/internal/middleware"
	"locketwan/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

type UsageHandler struct {
	usageService service.UsageService
	validate     *validator.Validate
	logger       zerolog.Logger
}

func NewUsageHandler(usageService service.UsageService, v *validator.Validate, logger zerolog.Logger) *UsageHandler {
	return &UsageHandler{
		usageService: usageService,
		validate:     v,
		logger:       logger.With().Str("handler", "UsageHandler").Logger(),
	}
}

// RegisterRoutes mounts the usage routes. Only recording requires auth.
func (h *UsageHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.HandleFunc("GET /usage/stats/{userId}", h.getUsageStats)
	mux.HandleFunc("POST /usage/check", h.checkUsage)
	mux.Handle("POST /usage/record", authMw(http.HandlerFunc(h.recordUsage)))
	mux.HandleFunc("GET /usage/limits", h.getLimits)
}

func missingParams(w http.ResponseWriter) {
	writeJSON(w, http.StatusBadRequest, dto.ErrorResponseDTO{Success: false, Message: "Missing required parameters"})
}

// getUsageStats godoc
// @Summary Get today's usage
// @Description Returns per-type daily usage, plan limits and the next reset time. The plan comes from the plan_id query parameter, then the X-User-Plan header.
// @Tags usage
// @Produce json
// @Param userId path string true "User ID"
// @Param plan_id query string false "Plan ID"
// @Success 200 {object} dto.UsageStatsResponseDTO
// @Failure 400 {object} dto.ErrorResponseDTO
// @Router /usage/stats/{userId} [get]
func (h *UsageHandler) getUsageStats(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	if userID == "" {
		missingParams(w)
		return
	}
	planID := r.URL.Query().Get("plan_id")
	if planID == "" {
		planID = r.Header.Get("X-User-Plan")
	}

	stats := h.usageService.GetUsageStats(r.Context(), userID, planID)
	writeJSON(w, http.StatusOK, dto.UsageStatsResponseDTO{Success: true, Data: stats})
}

// checkUsage godoc
// @Summary Check a daily quota
// @Description Validates whether the user may perform one more action of the given type, including suspicious-activity checks.
// @Tags usage
// @Accept json
// @Produce json
// @Param request body dto.UsageCheckRequestDTO true "Usage check"
// @Success 200 {object} dto.UsageCheckResponseDTO
// @Failure 400 {object} dto.ErrorResponseDTO
// @Failure 503 {object} dto.ErrorResponseDTO
// @Router /usage/check [post]
func (h *UsageHandler) checkUsage(w http.ResponseWriter, r *http.Request) {
	var req dto.UsageCheckRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponseDTO{Success: false, Message: "Invalid JSON payload: " + err.Error()})
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		missingParams(w)
		return
	}
	planID := ""
	if req.UserPlan != nil {
		planID = req.UserPlan.PlanID
	}

	v, err := h.usageService.ValidateWithSecurityCheck(r.Context(), req.UserID, planID, req.LimitType)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.logger.Info().Str("user_id", req.UserID).Str("type", req.LimitType).Bool("valid", v.Valid).Msg("Usage check")
	writeJSON(w, http.StatusOK, dto.UsageCheckResponseDTO{Success: true, Data: v})
}

// recordUsage godoc
// @Summary Record one action
// @Description Increments today's counter for the given type. Not idempotent.
// @Tags usage
// @Accept json
// @Produce json
// @Param request body dto.UsageRecordRequestDTO true "Usage record"
// @Success 200 {object} dto.UsageRecordResponseDTO
// @Failure 400 {object} dto.ErrorResponseDTO
// @Failure 401 {string} string "Invalid token"
// @Failure 403 {object} dto.ErrorResponseDTO
// @Failure 503 {object} dto.ErrorResponseDTO
// @Router /usage/record [post]
func (h *UsageHandler) recordUsage(w http.ResponseWriter, r *http.Request) {
	var req dto.UsageRecordRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponseDTO{Success: false, Message: "Invalid JSON payload: " + err.Error()})
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		missingParams(w)
		return
	}
	if subject, ok := middleware.UserFromContext(r.Context()); ok && subject != req.UserID {
		h.logger.Warn().Str("subject", subject).Str("user_id", req.UserID).Msg("Token subject does not match usage record")
		writeJSON(w, http.StatusForbidden, dto.ErrorResponseDTO{Success: false, Message: "Token does not belong to this user"})
		return
	}

	count, err := h.usageService.RecordUsage(r.Context(), req.UserID, req.LimitType, r.UserAgent())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.UsageRecordResponseDTO{Success: true, Message: "Usage recorded successfully", Count: count})
}

// getLimits godoc
// @Summary List plan limits
// @Description Returns the plan table. Unlimited quotas are -1.
// @Tags usage
// @Produce json
// @Success 200 {object} dto.UsageLimitsResponseDTO
// @Router /usage/limits [get]
func (h *UsageHandler) getLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dto.UsageLimitsResponseDTO{Success: true, Data: h.usageService.Plans()})
}

func (h *UsageHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownUsageType), errors.Is(err, service.ErrUserIDRequired):
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponseDTO{Success: false, Message: err.Error()})
	case errors.Is(err, service.ErrQuotaUnavailable):
		h.logger.Error().Err(err).Msg("Usage store unavailable")
		writeJSON(w, http.StatusServiceUnavailable, dto.ErrorResponseDTO{Success: false, Message: "Usage service temporarily unavailable"})
	default:
		h.logger.Error().Err(err).Msg("Usage request failed")
		writeJSON(w, http.StatusInternalServerError, dto.ErrorResponseDTO{Success: false, Message: "Internal server error"})
	}
}
