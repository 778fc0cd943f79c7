package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"locketwan/internal/plan"

	"github.com/rs/zerolog"
)

type fakeMediaStore struct {
	mu      sync.Mutex
	puts    []string
	deletes []string
}

func (f *fakeMediaStore) Put(ctx context.Context, key, contentType string, body io.ReadSeeker, size int64) (string, error) {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, key)
	return "https://media.example/" + key, nil
}

func (f *fakeMediaStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, key)
	return nil
}

type fakeLocket struct {
	mu    sync.Mutex
	err   error
	posts []LocketMoment
}

func (f *fakeLocket) PostMoment(ctx context.Context, m LocketMoment) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.posts = append(f.posts, m)
	return json.RawMessage(`{"result":{"status":200}}`), nil
}

func gifInput(size int64) PostMomentInput {
	return PostMomentInput{
		UserID:    "u1",
		IDToken:   "token",
		PlanID:    "free",
		Caption:   "hello",
		UserAgent: "test-agent",
		MediaType: "image",
		FileName:  "photo.jpg",
		Size:      size,
		File:      strings.NewReader("jpeg"),
		Options:   json.RawMessage(`{"type":"image_gif","text_color":"#000000"}`),
	}
}

func newMomentFixture(t *testing.T) (MomentService, *usageService, *fakeMediaStore, *fakeLocket) {
	t.Helper()
	usage, _ := newSQLiteUsageService(t, nil, nil, false)
	store := &fakeMediaStore{}
	locket := &fakeLocket{}
	return NewMomentService(usage, store, locket, 10, 25, zerolog.Nop()), usage, store, locket
}

func TestPostGifCaptionQuota(t *testing.T) {
	svc, usage, store, locket := newMomentFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		in := gifInput(1024)
		if i == 1 {
			// the gif option counts against the quota whatever the media type
			in.MediaType = "video"
		}
		res, err := svc.Post(ctx, in)
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		if res.Usage == nil || *res.Usage != i+1 {
			t.Fatalf("post %d: expected usage %d, got %v", i, i+1, res.Usage)
		}
	}

	_, err := svc.Post(ctx, gifInput(1024))
	var limitErr *LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitExceededError, got %v", err)
	}
	if limitErr.Validation.Usage != 2 || limitErr.Validation.Limit != 2 {
		t.Fatalf("unexpected validation on rejection: %+v", limitErr.Validation)
	}
	video := gifInput(1024)
	video.MediaType = "video"
	if _, err := svc.Post(ctx, video); !errors.As(err, &limitErr) {
		t.Fatalf("expected LimitExceededError for video with gif option, got %v", err)
	}
	if len(store.puts) != 2 || len(locket.posts) != 2 {
		t.Fatalf("rejected post must not reach storage or upstream: puts=%d posts=%d", len(store.puts), len(locket.posts))
	}
	if n, _ := usage.usage.GetDailyUsage(ctx, "u1", plan.UsageGifCaption, "2026-05-10"); n != 2 {
		t.Fatalf("expected 2 recorded gif captions, got %d", n)
	}
}

func TestPostSizeLimits(t *testing.T) {
	svc, _, store, _ := newMomentFixture(t)
	ctx := context.Background()

	in := gifInput(11 * 1024 * 1024)
	in.PlanID = "pro"
	_, err := svc.Post(ctx, in)
	var sizeErr *SizeLimitError
	if !errors.As(err, &sizeErr) || sizeErr.PlanID != "" || sizeErr.LimitMB != 10 {
		t.Fatalf("expected hard cap error, got %v", err)
	}

	in = gifInput(8 * 1024 * 1024)
	_, err = svc.Post(ctx, in)
	if !errors.As(err, &sizeErr) || err.Error() != "image size exceeds 3MB limit of plan free" {
		t.Fatalf("expected plan size error, got %v", err)
	}

	in = gifInput(1024)
	in.MediaType = "audio"
	if _, err := svc.Post(ctx, in); !errors.Is(err, ErrInvalidMediaType) {
		t.Fatalf("expected ErrInvalidMediaType, got %v", err)
	}
	if len(store.puts) != 0 {
		t.Fatalf("expected nothing stored, got %v", store.puts)
	}
}

func TestPostUpstreamFailureRecordsNothing(t *testing.T) {
	svc, usage, store, locket := newMomentFixture(t)
	locket.err = &UpstreamError{Status: 502, Body: "bad gateway"}

	_, err := svc.Post(context.Background(), gifInput(1024))
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if len(store.deletes) != 1 || store.deletes[0] != store.puts[0] {
		t.Fatalf("expected stored media cleaned up, puts=%v deletes=%v", store.puts, store.deletes)
	}
	if n, _ := usage.usage.GetDailyUsage(context.Background(), "u1", plan.UsageGifCaption, "2026-05-10"); n != 0 {
		t.Fatalf("expected no usage recorded after failure, got %d", n)
	}
}

func TestPostPlainImageSkipsGate(t *testing.T) {
	svc, usage, _, locket := newMomentFixture(t)
	in := gifInput(1024)
	in.Options = json.RawMessage(`{"type":"default"}`)

	for i := 0; i < 4; i++ {
		res, err := svc.Post(context.Background(), in)
		if err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
		if res.Usage != nil {
			t.Fatalf("plain image must not consume quota, got %d", *res.Usage)
		}
	}
	if len(locket.posts) != 4 {
		t.Fatalf("expected 4 posts, got %d", len(locket.posts))
	}
	if n, _ := usage.usage.GetDailyUsage(context.Background(), "u1", plan.UsageGifCaption, "2026-05-10"); n != 0 {
		t.Fatalf("expected untouched gif counter, got %d", n)
	}
}

func TestPostConcurrentGifRequests(t *testing.T) {
	svc, _, _, locket := newMomentFixture(t)

	const requests = 6
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, rejected := 0, 0
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Post(context.Background(), gifInput(1024))
			mu.Lock()
			defer mu.Unlock()
			var limitErr *LimitExceededError
			switch {
			case err == nil:
				accepted++
			case errors.As(err, &limitErr):
				rejected++
			}
		}()
	}
	wg.Wait()

	if accepted != 2 || rejected != requests-2 {
		t.Fatalf("expected exactly 2 accepted gif posts, got accepted=%d rejected=%d", accepted, rejected)
	}
	if len(locket.posts) != 2 {
		t.Fatalf("expected 2 upstream posts, got %d", len(locket.posts))
	}
}

func TestUserLocksReleaseEntries(t *testing.T) {
	l := newUserLocks()
	unlock := l.lock("u1")
	unlock()
	if len(l.locks) != 0 {
		t.Fatalf("expected lock table to be empty, got %d", len(l.locks))
	}
}
