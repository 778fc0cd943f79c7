package model

// UsageValidation is the result of checking a quota before an action.
type UsageValidation struct {
	Valid     bool   `json:"valid"`
	Message   string `json:"message"`
	Usage     int    `json:"usage"`
	Limit     int    `json:"limit"`
	Unlimited bool   `json:"unlimited"`
	Warning   string `json:"warning,omitempty"`
}

// UsageCounter is the daily usage of a single usage type.
type UsageCounter struct {
	Used      int  `json:"used"`
	Limit     int  `json:"limit"`
	Unlimited bool `json:"unlimited"`
}

// FileSizeLimits are the plan size caps in megabytes.
type FileSizeLimits struct {
	MaxImageSize int `json:"maxImageSize"`
	MaxVideoSize int `json:"maxVideoSize"`
}

// UsageStats summarises a user's usage for the current day.
type UsageStats struct {
	UserID     string         `json:"userId"`
	PlanID     string         `json:"planId"`
	Date       string         `json:"date"`
	Caption    UsageCounter   `json:"caption"`
	GifCaption UsageCounter   `json:"gif_caption"`
	FileSize   FileSizeLimits `json:"fileSize"`
	ResetTime  string         `json:"reset_time"`
	Degraded   bool           `json:"degraded,omitempty"`
}

// ActivityLogEntry records one consumed action.
type ActivityLogEntry struct {
	UserID    string `json:"userId"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	UserAgent string `json:"userAgent"`
}

// SuspicionReport is the outcome of the activity heuristics over the last 24 hours.
type SuspicionReport struct {
	Suspicious bool     `json:"suspicious"`
	Reasons    []string `json:"reasons"`
	Actions    int      `json:"actions"`
}
