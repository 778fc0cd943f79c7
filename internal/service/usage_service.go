package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"locketwan/internal/model"
	"locketwan/internal/plan"
	"locketwan/internal/pubsub"
	"locketwan/internal/repository"

	"github.com/rs/zerolog"
)

var (
	ErrUnknownUsageType = errors.New("unknown usage type")
	ErrUserIDRequired   = errors.New("user id is required")
	// ErrQuotaUnavailable wraps counter store failures on quota checks and writes.
	ErrQuotaUnavailable = errors.New("usage store unavailable")
)

const (
	suspiciousWindow       = 24 * time.Hour
	suspiciousMaxActions   = 20
	suspiciousMinGap       = time.Minute
	suspiciousMaxUserAgent = 2
	flagPublishTimeout     = 5 * time.Second
)

// LimitExceededError is returned when a daily quota would be exceeded.
type LimitExceededError struct {
	UsageType  string
	Validation *model.UsageValidation
}

func (e *LimitExceededError) Error() string {
	return e.Validation.Message
}

// SizeLimitError is returned when a file is larger than its plan allows, or larger
// than the hard upload cap when PlanID is empty.
type SizeLimitError struct {
	MediaType string
	PlanID    string
	LimitMB   int
	SizeBytes int64
}

func (e *SizeLimitError) Error() string {
	if e.PlanID == "" {
		return fmt.Sprintf("%s size exceeds %dMB upload limit", e.MediaType, e.LimitMB)
	}
	return fmt.Sprintf("%s size exceeds %dMB limit of plan %s", e.MediaType, e.LimitMB, e.PlanID)
}

// UsageService gates quota-limited actions per user, plan and day.
type UsageService interface {
	ValidateUsage(ctx context.Context, userID, planID, usageType string) (*model.UsageValidation, error)
	// RecordUsage consumes one unit. It is not idempotent.
	RecordUsage(ctx context.Context, userID, usageType, userAgent string) (int, error)
	// GetUsageStats never fails; store errors yield zero counts and Degraded.
	GetUsageStats(ctx context.Context, userID, planID string) *model.UsageStats
	DetectSuspiciousActivity(ctx context.Context, userID string) (*model.SuspicionReport, error)
	ValidateWithSecurityCheck(ctx context.Context, userID, planID, usageType string) (*model.UsageValidation, error)
	ValidateFileSize(planID, mediaType string, sizeBytes int64) error
	Plans() plan.Table
}

type usageService struct {
	usage           repository.UsageRepository
	activity        repository.ActivityRepository
	plans           plan.Table
	defaultPlan     string
	flags           pubsub.Publisher
	flagTopic       string
	blockSuspicious bool
	logger          zerolog.Logger
	now             func() time.Time

	rolloverMu   sync.Mutex
	lastRollover string
}

// NewUsageService creates a UsageService. flags may be nil.
func NewUsageService(
	usage repository.UsageRepository,
	activity repository.ActivityRepository,
	plans plan.Table,
	defaultPlan string,
	flags pubsub.Publisher,
	flagTopic string,
	blockSuspicious bool,
	logger zerolog.Logger,
) UsageService {
	if plans == nil {
		plans = plan.Default()
	}
	if _, ok := plans[defaultPlan]; !ok {
		defaultPlan = plan.DefaultPlanID
	}
	return &usageService{
		usage:           usage,
		activity:        activity,
		plans:           plans,
		defaultPlan:     defaultPlan,
		flags:           flags,
		flagTopic:       flagTopic,
		blockSuspicious: blockSuspicious,
		logger:          logger.With().Str("service", "UsageService").Logger(),
		now:             time.Now,
	}
}

func (s *usageService) Plans() plan.Table {
	return s.plans
}

// dateKey is the UTC calendar day of t.
func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func nextMidnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}

func (s *usageService) resolvePlan(planID string) (string, plan.Limits) {
	if planID == "" {
		planID = s.defaultPlan
	}
	return s.plans.Lookup(planID)
}

// today returns the current day key, pruning stale counters on the first call of a new day.
func (s *usageService) today(ctx context.Context) string {
	day := dateKey(s.now())
	s.rolloverMu.Lock()
	defer s.rolloverMu.Unlock()
	if s.lastRollover == day {
		return day
	}
	if err := s.usage.Rollover(ctx, day); err != nil {
		s.logger.Warn().Err(err).Str("day", day).Msg("Usage rollover failed")
		return day
	}
	s.lastRollover = day
	s.logger.Info().Str("day", day).Msg("Reset daily usage")
	return day
}

func (s *usageService) ValidateUsage(ctx context.Context, userID, planID, usageType string) (*model.UsageValidation, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	planID, limits := s.resolvePlan(planID)
	limit, ok := limits.DailyLimit(usageType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUsageType, usageType)
	}

	switch {
	case limit == 0:
		return &model.UsageValidation{
			Valid:   false,
			Message: fmt.Sprintf("%s is not included in plan %s", usageType, planID),
		}, nil
	case limit == plan.Unlimited:
		return &model.UsageValidation{
			Valid:     true,
			Message:   fmt.Sprintf("Unlimited %s on plan %s", usageType, planID),
			Limit:     plan.Unlimited,
			Unlimited: true,
		}, nil
	}

	used, err := s.usage.GetDailyUsage(ctx, userID, usageType, s.today(ctx))
	if err != nil {
		return nil, fmt.Errorf("checking %s quota: %w: %w", usageType, ErrQuotaUnavailable, err)
	}
	if used >= limit {
		return &model.UsageValidation{
			Valid:   false,
			Message: fmt.Sprintf("Used %d/%d %s today, limit reached on plan %s. Remaining: 0", used, limit, usageType, planID),
			Usage:   used,
			Limit:   limit,
		}, nil
	}
	return &model.UsageValidation{
		Valid:   true,
		Message: fmt.Sprintf("Remaining %d/%d %s today", limit-used, limit, usageType),
		Usage:   used,
		Limit:   limit,
	}, nil
}

func (s *usageService) RecordUsage(ctx context.Context, userID, usageType, userAgent string) (int, error) {
	if userID == "" {
		return 0, ErrUserIDRequired
	}
	if !plan.KnownUsageType(usageType) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownUsageType, usageType)
	}

	count, err := s.usage.IncrementDailyUsage(ctx, userID, usageType, s.today(ctx))
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrQuotaUnavailable, err)
	}

	entry := model.ActivityLogEntry{
		UserID:    userID,
		Type:      usageType,
		Timestamp: s.now().UnixMilli(),
		UserAgent: userAgent,
	}
	if err := s.activity.Append(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Failed to append activity log")
	}
	s.logger.Info().Str("user_id", userID).Str("type", usageType).Int("count", count).Msg("Recorded usage")
	return count, nil
}

func (s *usageService) GetUsageStats(ctx context.Context, userID, planID string) *model.UsageStats {
	planID, limits := s.resolvePlan(planID)
	now := s.now()
	day := s.today(ctx)

	stats := &model.UsageStats{
		UserID: userID,
		PlanID: planID,
		Date:   day,
		FileSize: model.FileSizeLimits{
			MaxImageSize: limits.MaxImageSizeMB,
			MaxVideoSize: limits.MaxVideoSizeMB,
		},
		ResetTime: nextMidnightUTC(now).Format(time.RFC3339),
	}

	counter := func(usageType string, limit int) model.UsageCounter {
		used, err := s.usage.GetDailyUsage(ctx, userID, usageType, day)
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", userID).Str("type", usageType).Msg("Usage stats degraded")
			stats.Degraded = true
			used = 0
		}
		return model.UsageCounter{Used: used, Limit: limit, Unlimited: limit == plan.Unlimited}
	}
	stats.Caption = counter(plan.UsageCaption, limits.CaptionDaily)
	stats.GifCaption = counter(plan.UsageGifCaption, limits.GifCaptionDaily)
	return stats
}

func (s *usageService) DetectSuspiciousActivity(ctx context.Context, userID string) (*model.SuspicionReport, error) {
	now := s.now()
	since := now.Add(-suspiciousWindow).UnixMilli() + 1
	entries, err := s.activity.ListSince(ctx, userID, since)
	if err != nil {
		return nil, err
	}

	report := &model.SuspicionReport{Actions: len(entries), Reasons: []string{}}
	if len(entries) > suspiciousMaxActions {
		report.Reasons = append(report.Reasons, fmt.Sprintf("%d actions in the last 24h", len(entries)))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Timestamp-entries[i-1].Timestamp < suspiciousMinGap.Milliseconds() {
			report.Reasons = append(report.Reasons, "consecutive actions less than a minute apart")
			break
		}
	}
	agents := make(map[string]struct{})
	for _, e := range entries {
		agents[e.UserAgent] = struct{}{}
	}
	if len(agents) > suspiciousMaxUserAgent {
		report.Reasons = append(report.Reasons, fmt.Sprintf("%d distinct user agents", len(agents)))
	}
	report.Suspicious = len(report.Reasons) > 0
	return report, nil
}

type flagEvent struct {
	UserID     string   `json:"userId"`
	PlanID     string   `json:"planId"`
	UsageType  string   `json:"usageType"`
	Reasons    []string `json:"reasons"`
	Actions    int      `json:"actions"`
	DetectedAt string   `json:"detectedAt"`
	Blocked    bool     `json:"blocked"`
}

func (s *usageService) ValidateWithSecurityCheck(ctx context.Context, userID, planID, usageType string) (*model.UsageValidation, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	report, err := s.DetectSuspiciousActivity(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("Suspicious activity check skipped")
		report = &model.SuspicionReport{}
	}

	if report.Suspicious {
		s.logger.Warn().Str("user_id", userID).Strs("reasons", report.Reasons).Msg("Suspicious activity detected")
		s.publishFlag(ctx, flagEvent{
			UserID:     userID,
			PlanID:     planID,
			UsageType:  usageType,
			Reasons:    report.Reasons,
			Actions:    report.Actions,
			DetectedAt: s.now().UTC().Format(time.RFC3339),
			Blocked:    s.blockSuspicious,
		})
		if s.blockSuspicious {
			return &model.UsageValidation{
				Valid:   false,
				Message: "Unusual activity detected. For your security, contact support or try again in 1 hour.",
			}, nil
		}
	}

	v, err := s.ValidateUsage(ctx, userID, planID, usageType)
	if err != nil {
		return nil, err
	}
	if report.Suspicious {
		v.Warning = "Unusual activity detected on this account"
	}
	return v, nil
}

func (s *usageService) publishFlag(ctx context.Context, ev flagEvent) {
	if s.flags == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode flag event")
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, flagPublishTimeout)
	defer cancel()
	id, err := s.flags.Publish(pubCtx, s.flagTopic, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", ev.UserID).Msg("Failed to publish flag event")
		return
	}
	s.logger.Info().Str("message_id", id).Str("user_id", ev.UserID).Msg("Published flag event")
}

func (s *usageService) ValidateFileSize(planID, mediaType string, sizeBytes int64) error {
	planID, limits := s.resolvePlan(planID)
	limitMB := limits.MaxSizeMB(mediaType)
	if limitMB <= 0 {
		return nil
	}
	if sizeBytes > int64(limitMB)*1024*1024 {
		return &SizeLimitError{MediaType: mediaType, PlanID: planID, LimitMB: limitMB, SizeBytes: sizeBytes}
	}
	return nil
}
