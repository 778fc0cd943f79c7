package proxyclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"locketwan/internal/model"
	"locketwan/internal/plan"

	"github.com/rs/zerolog"
)

const limitsBody = `{"success":true,"data":{"free":{"gif_caption_daily":2,"caption_daily":1,"max_image_size":1,"max_video_size":2}}}`

func writeMedia(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(path, bytes.Repeat([]byte("x"), size), 0o600); err != nil {
		t.Fatalf("write media: %v", err)
	}
	return path
}

func queueItem(path string) *model.QueueItem {
	return &model.QueueItem{
		ID: "item-1",
		Payload: model.MediaUploadPayload{
			UserData:  model.UserData{IDToken: "tok", LocalID: "u1"},
			MediaInfo: model.MediaInfo{Type: "image", File: model.MediaFile{URI: "file://" + path, Name: "photo.jpg", MimeType: "image/jpeg"}},
			Caption:   "hello",
			Options:   json.RawMessage(`{"type":"image_gif"}`),
			PlanID:    "free",
		},
	}
}

func TestUploadMediaStreamsForm(t *testing.T) {
	var (
		mu     sync.Mutex
		parts  []string
		fileSz int64
	)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /usage/limits", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, limitsBody)
	})
	mux.HandleFunc("POST /locket/upload-media", func(w http.ResponseWriter, r *http.Request) {
		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			parts = append(parts, part.FormName())
			if part.FormName() == "images" {
				if part.Header.Get("Content-Type") != "image/jpeg" {
					http.Error(w, "bad content type", http.StatusBadRequest)
					return
				}
				fileSz, _ = io.Copy(io.Discard, part)
			}
		}
		io.WriteString(w, `{"message":"Upload image successfully","data":{"id":"m1"}}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	path := writeMedia(t, 512*1024)
	var (
		progressMu sync.Mutex
		progress   []int
	)
	c := New(srv.URL, nil, zerolog.Nop())
	data, err := c.UploadMedia(context.Background(), queueItem(path), func(p int) {
		progressMu.Lock()
		progress = append(progress, p)
		progressMu.Unlock()
	})
	if err != nil {
		t.Fatalf("UploadMedia: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	progressMu.Lock()
	defer progressMu.Unlock()
	if string(data) != `{"id":"m1"}` {
		t.Fatalf("unexpected data %s", data)
	}

	want := []string{"userId", "idToken", "caption", "plan_id", "options", "images"}
	if len(parts) != len(want) {
		t.Fatalf("expected parts %v, got %v", want, parts)
	}
	for i := range want {
		if parts[i] != want[i] {
			t.Fatalf("expected parts %v, got %v", want, parts)
		}
	}
	if fileSz != 512*1024 {
		t.Fatalf("expected full file on the server, got %d bytes", fileSz)
	}
	if len(progress) == 0 || progress[len(progress)-1] != 100 {
		t.Fatalf("expected progress to end at 100, got %v", progress)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i] < progress[i-1] {
			t.Fatalf("progress went backwards: %v", progress)
		}
	}
}

func TestUploadMediaAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /usage/limits", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, limitsBody)
	})
	mux.HandleFunc("POST /locket/upload-media", func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"success":false,"message":"limit reached","error":"GIF_CAPTION_LIMIT_EXCEEDED","usage":2,"limit":2}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, nil, zerolog.Nop())
	_, err := c.UploadMedia(context.Background(), queueItem(writeMedia(t, 1024)), nil)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || apiErr.Code != "GIF_CAPTION_LIMIT_EXCEEDED" || apiErr.Message != "limit reached" {
		t.Fatalf("unexpected APIError %+v", apiErr)
	}
}

func TestUploadMediaRejectsOversizedFile(t *testing.T) {
	var uploads int
	mux := http.NewServeMux()
	mux.HandleFunc("GET /usage/limits", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, limitsBody)
	})
	mux.HandleFunc("POST /locket/upload-media", func(w http.ResponseWriter, r *http.Request) {
		uploads++
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, nil, zerolog.Nop())
	_, err := c.UploadMedia(context.Background(), queueItem(writeMedia(t, 2*1024*1024)), nil)
	if !errors.Is(err, ErrFileTooLarge) {
		t.Fatalf("expected ErrFileTooLarge, got %v", err)
	}
	if uploads != 0 {
		t.Fatalf("expected no request to the upload route, got %d", uploads)
	}
}

func TestLimitsAreCached(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		io.WriteString(w, limitsBody)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, zerolog.Nop())
	for i := 0; i < 3; i++ {
		table, err := c.Limits(context.Background())
		if err != nil {
			t.Fatalf("Limits: %v", err)
		}
		if _, l := table.Lookup("unknown"); l.MaxImageSizeMB != 1 {
			t.Fatalf("unexpected limits %+v", table)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one fetch, got %d", calls)
	}
}

func TestCheckSizeSkipsWhenLimitsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, zerolog.Nop())
	if err := c.CheckSize(context.Background(), plan.DefaultPlanID, "video", 1<<40); err != nil {
		t.Fatalf("expected size check to be skipped, got %v", err)
	}
}

func TestPing(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead || r.URL.Path != "/keepalive" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := New(srv.URL, nil, zerolog.Nop())
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	status = http.StatusServiceUnavailable
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected Ping to fail on 503")
	}
}
