package plan

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLookupFallsBackToFree(t *testing.T) {
	table := Default()
	id, l := table.Lookup("does-not-exist")
	if id != DefaultPlanID {
		t.Fatalf("expected fallback plan %q, got %q", DefaultPlanID, id)
	}
	if l.GifCaptionDaily != 2 || l.MaxImageSizeMB != 3 {
		t.Fatalf("unexpected free limits: %+v", l)
	}
}

func TestDailyLimit(t *testing.T) {
	_, premium := Default().Lookup("premium")
	limit, ok := premium.DailyLimit(UsageGifCaption)
	if !ok || limit != Unlimited {
		t.Fatalf("expected unlimited gif captions for premium, got %d (ok=%v)", limit, ok)
	}
	if _, ok := premium.DailyLimit("stickers"); ok {
		t.Fatal("expected unknown usage type to report ok=false")
	}
}

func TestLoadFile(t *testing.T) {
	custom := Table{
		"free": {GifCaptionDaily: 1, CaptionDaily: 1, MaxImageSizeMB: 2, MaxVideoSizeMB: 4},
		"team": {GifCaptionDaily: Unlimited, CaptionDaily: Unlimited, MaxImageSizeMB: 50, MaxVideoSizeMB: 100},
	}
	b, err := json.Marshal(custom)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	path := filepath.Join(t.TempDir(), "plans.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile error: %v", err)
	}
	if got["team"].MaxVideoSizeMB != 100 {
		t.Fatalf("expected team plan to be loaded, got %+v", got["team"])
	}
	if ids := got.IDs(); len(ids) != 2 || ids[0] != "free" || ids[1] != "team" {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestLoadFileRequiresFreePlan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.json")
	if err := os.WriteFile(path, []byte(`{"team":{"gif_caption_daily":1}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for table without free plan")
	}
}
