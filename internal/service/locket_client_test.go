package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLocketClientPostMoment(t *testing.T) {
	var got map[string]map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/postMomentV2" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer id-token" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"result":{"data":{"id":"m1"}}}`))
	}))
	defer srv.Close()

	client := NewLocketClient(srv.URL, 5*time.Second, zerolog.Nop())
	data, err := client.PostMoment(context.Background(), LocketMoment{
		IDToken:   "id-token",
		MediaType: "video",
		MediaURL:  "https://media.example/v.mp4",
		Caption:   "hi",
		Options:   json.RawMessage(`{"recipients":["f1"]}`),
	})
	if err != nil {
		t.Fatalf("PostMoment: %v", err)
	}
	if string(data) != `{"result":{"data":{"id":"m1"}}}` {
		t.Fatalf("expected upstream body passed through, got %s", data)
	}
	body := got["data"]
	if body["video_url"] != "https://media.example/v.mp4" || body["caption"] != "hi" || body["md5"] == nil {
		t.Fatalf("unexpected moment body: %v", body)
	}
	if rec, ok := body["recipients"].([]any); !ok || len(rec) != 1 || rec[0] != "f1" {
		t.Fatalf("expected recipients from options, got %v", body["recipients"])
	}
}

func TestLocketClientUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "token expired", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewLocketClient(srv.URL, 5*time.Second, zerolog.Nop())
	_, err := client.PostMoment(context.Background(), LocketMoment{IDToken: "x", MediaType: "image", MediaURL: "u"})
	var upErr *UpstreamError
	if !errors.As(err, &upErr) || upErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 UpstreamError, got %v", err)
	}
}

func TestLocketClientUnreadableOptions(t *testing.T) {
	var got map[string]map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	var logs bytes.Buffer
	client := NewLocketClient(srv.URL, 5*time.Second, zerolog.New(&logs))
	_, err := client.PostMoment(context.Background(), LocketMoment{
		IDToken:   "id-token",
		MediaType: "image",
		MediaURL:  "https://media.example/p.jpg",
		Options:   json.RawMessage(`{"recipients":"f1"}`),
	})
	if err != nil {
		t.Fatalf("PostMoment: %v", err)
	}
	if rec, ok := got["data"]["recipients"].([]any); !ok || len(rec) != 0 {
		t.Fatalf("expected empty recipients, got %v", got["data"]["recipients"])
	}
	if !strings.Contains(logs.String(), "Ignoring unreadable moment options") {
		t.Fatalf("expected options decode failure to be logged, got %q", logs.String())
	}
}
