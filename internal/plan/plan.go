// Package plan holds the plan-to-limits table shared by the proxy and the uploader.
package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Unlimited marks a daily quota without an upper bound.
const Unlimited = -1

// DefaultPlanID is used whenever a caller supplies an unknown or empty plan.
const DefaultPlanID = "free"

// Usage types tracked per day.
const (
	UsageGifCaption = "gif_caption"
	UsageCaption    = "caption"
)

// UsageTypes lists every usage type the gate knows about.
var UsageTypes = []string{UsageCaption, UsageGifCaption}

// KnownUsageType reports whether usageType is tracked.
func KnownUsageType(usageType string) bool {
	for _, t := range UsageTypes {
		if t == usageType {
			return true
		}
	}
	return false
}

// Limits is the static quota definition of one plan. Sizes are in megabytes.
type Limits struct {
	GifCaptionDaily int `json:"gif_caption_daily"`
	CaptionDaily    int `json:"caption_daily"`
	MaxImageSizeMB  int `json:"max_image_size"`
	MaxVideoSizeMB  int `json:"max_video_size"`
}

// DailyLimit returns the quota for a usage type. ok is false for unknown types.
func (l Limits) DailyLimit(usageType string) (limit int, ok bool) {
	switch usageType {
	case UsageGifCaption:
		return l.GifCaptionDaily, true
	case UsageCaption:
		return l.CaptionDaily, true
	default:
		return 0, false
	}
}

// MaxSizeMB returns the size cap for "image" or "video" media.
func (l Limits) MaxSizeMB(mediaType string) int {
	if mediaType == "video" {
		return l.MaxVideoSizeMB
	}
	return l.MaxImageSizeMB
}

// Table maps plan ids to their limits.
type Table map[string]Limits

// Default returns the built-in plan table.
func Default() Table {
	return Table{
		"free": {
			GifCaptionDaily: 2,
			CaptionDaily:    1,
			MaxImageSizeMB:  3,
			MaxVideoSizeMB:  7,
		},
		"premium_lite": {
			GifCaptionDaily: 4,
			CaptionDaily:    3,
			MaxImageSizeMB:  5,
			MaxVideoSizeMB:  10,
		},
		"premium": {
			GifCaptionDaily: Unlimited,
			CaptionDaily:    5,
			MaxImageSizeMB:  7,
			MaxVideoSizeMB:  20,
		},
		"pro_plus": {
			GifCaptionDaily: Unlimited,
			CaptionDaily:    5,
			MaxImageSizeMB:  10,
			MaxVideoSizeMB:  25,
		},
		"basic": {
			GifCaptionDaily: 5,
			CaptionDaily:    3,
			MaxImageSizeMB:  5,
			MaxVideoSizeMB:  10,
		},
		"pro": {
			GifCaptionDaily: Unlimited,
			CaptionDaily:    25,
			MaxImageSizeMB:  15,
			MaxVideoSizeMB:  30,
		},
	}
}

// Lookup resolves a plan id, falling back to the free plan.
func (t Table) Lookup(planID string) (string, Limits) {
	if l, ok := t[planID]; ok {
		return planID, l
	}
	return DefaultPlanID, t[DefaultPlanID]
}

// IDs returns the plan ids in a stable order.
func (t Table) IDs() []string {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadFile reads a JSON plan table. An empty path yields the default table.
func LoadFile(path string) (Table, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan table %s: %w", path, err)
	}
	var t Table
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decoding plan table %s: %w", path, err)
	}
	if _, ok := t[DefaultPlanID]; !ok {
		return nil, fmt.Errorf("plan table %s has no %q plan", path, DefaultPlanID)
	}
	return t, nil
}
