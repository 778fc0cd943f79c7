package dto

import (
	"locketwan/internal/model"
	"locketwan/internal/plan"
)

type UserPlanDTO struct {
	PlanID string `json:"plan_id"`
}

// UsageCheckRequestDTO is the body of POST /usage/check.
type UsageCheckRequestDTO struct {
	UserID    string       `json:"userId" validate:"required"`
	LimitType string       `json:"limitType" validate:"required,oneof=gif_caption caption"`
	UserPlan  *UserPlanDTO `json:"userPlan"`
}

// UsageRecordRequestDTO is the body of POST /usage/record.
type UsageRecordRequestDTO struct {
	UserID    string `json:"userId" validate:"required"`
	LimitType string `json:"limitType" validate:"required,oneof=gif_caption caption"`
}

type UsageCheckResponseDTO struct {
	Success bool                   `json:"success"`
	Data    *model.UsageValidation `json:"data"`
}

type UsageStatsResponseDTO struct {
	Success bool              `json:"success"`
	Data    *model.UsageStats `json:"data"`
}

type UsageRecordResponseDTO struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

type UsageLimitsResponseDTO struct {
	Success bool       `json:"success"`
	Data    plan.Table `json:"data"`
}

// ErrorResponseDTO is the JSON error envelope of the usage routes.
type ErrorResponseDTO struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}
