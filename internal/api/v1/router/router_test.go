package router

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"locketwan/internal/config"
	"locketwan/internal/plan"
	"locketwan/internal/repository"
	"locketwan/internal/service"
	"locketwan/internal/util"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

type memStore struct {
	mu   sync.Mutex
	keys []string
}

func (m *memStore) Put(ctx context.Context, key, contentType string, body io.ReadSeeker, size int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return "https://media.example/" + key, nil
}

func (m *memStore) Delete(ctx context.Context, key string) error { return nil }

type stubLocket struct{}

func (stubLocket) PostMoment(ctx context.Context, m service.LocketMoment) (json.RawMessage, error) {
	return json.RawMessage(`{"result":{"status":200}}`), nil
}

func testConfig() *config.Config {
	return &config.Config{
		Version:          "Wan-v2",
		AllowedOrigins:   []string{"*"},
		MaxImageUploadMB: 10,
		MaxVideoUploadMB: 25,
		MultipartMemory:  1 << 20,
	}
}

func newTestServer(t *testing.T, jwtKey string, withUploads bool) *httptest.Server {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "usage.db") + "?_pragma=busy_timeout(5000)"
	db, err := repository.OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := repository.EnsureSQLiteSchema(context.Background(), db); err != nil {
		t.Fatalf("schema: %v", err)
	}

	logger := zerolog.Nop()
	usage := service.NewUsageService(repository.NewSQLiteUsageRepo(db), repository.NewSQLiteActivityRepo(db), plan.Default(), "free", nil, "", false, logger)
	svcs := Services{Usage: usage, JWTKey: jwtKey}
	if withUploads {
		svcs.Moments = service.NewMomentService(usage, &memStore{}, stubLocket{}, 10, 25, logger)
	}
	srv := httptest.NewServer(NewHandler(testConfig(), svcs, logger))
	t.Cleanup(srv.Close)
	return srv
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func postJSON(t *testing.T, url, body, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

type uploadFile struct {
	field string
	name  string
	data  []byte
}

func postUpload(t *testing.T, url string, fields map[string]string, files ...uploadFile) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("create file: %v", err)
		}
		fw.Write(f.data)
	}
	mw.Close()
	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestKeepalive(t *testing.T) {
	srv := newTestServer(t, "", false)

	resp, err := http.Get(srv.URL + "/keepalive")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var body struct {
		Uptime  float64 `json:"uptime"`
		Version string  `json:"version"`
	}
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body.Version != "Wan-v2" {
		t.Fatalf("unexpected keepalive: %d %+v", resp.StatusCode, body)
	}

	head, err := http.Head(srv.URL + "/keepalive")
	if err != nil {
		t.Fatalf("HEAD: %v", err)
	}
	head.Body.Close()
	if head.StatusCode != http.StatusOK {
		t.Fatalf("expected HEAD 200, got %d", head.StatusCode)
	}
}

func TestUsageLimits(t *testing.T) {
	srv := newTestServer(t, "", false)
	resp, err := http.Get(srv.URL + "/usage/limits")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var body struct {
		Success bool       `json:"success"`
		Data    plan.Table `json:"data"`
	}
	decode(t, resp, &body)
	if !body.Success || body.Data["free"].GifCaptionDaily != 2 || body.Data["premium"].GifCaptionDaily != plan.Unlimited {
		t.Fatalf("unexpected limits: %+v", body)
	}
}

func TestUsageCheckAndStats(t *testing.T) {
	srv := newTestServer(t, "", false)

	resp := postJSON(t, srv.URL+"/usage/check", `{"limitType":"gif_caption"}`, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing userId, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/usage/check", `{"userId":"u1","limitType":"gif_caption","userPlan":{"plan_id":"premium_lite"}}`, "")
	var check struct {
		Success bool `json:"success"`
		Data    struct {
			Valid   bool   `json:"valid"`
			Message string `json:"message"`
			Limit   int    `json:"limit"`
		} `json:"data"`
	}
	decode(t, resp, &check)
	if !check.Success || !check.Data.Valid || check.Data.Limit != 4 {
		t.Fatalf("unexpected check result: %+v", check)
	}

	resp = postJSON(t, srv.URL+"/usage/record", `{"userId":"u1","limitType":"gif_caption"}`, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected record 200 without auth configured, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/usage/stats/u1", nil)
	req.Header.Set("X-User-Plan", "premium_lite")
	statsResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	var stats struct {
		Success bool `json:"success"`
		Data    struct {
			PlanID     string `json:"planId"`
			GifCaption struct {
				Used  int `json:"used"`
				Limit int `json:"limit"`
			} `json:"gif_caption"`
			ResetTime string `json:"reset_time"`
		} `json:"data"`
	}
	decode(t, statsResp, &stats)
	if stats.Data.PlanID != "premium_lite" || stats.Data.GifCaption.Used != 1 || stats.Data.GifCaption.Limit != 4 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if _, err := time.Parse(time.RFC3339, stats.Data.ResetTime); err != nil {
		t.Fatalf("reset_time is not RFC3339: %q", stats.Data.ResetTime)
	}
}

func TestUsageRecordRequiresBearer(t *testing.T) {
	srv := newTestServer(t, "signing-key", false)

	resp := postJSON(t, srv.URL+"/usage/record", `{"userId":"u1","limitType":"caption"}`, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}

	claims := util.Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u1", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("signing-key"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp = postJSON(t, srv.URL+"/usage/record", `{"userId":"u1","limitType":"caption"}`, tok)
	var body struct {
		Success bool `json:"success"`
		Count   int  `json:"count"`
	}
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body.Count != 1 {
		t.Fatalf("expected recorded usage, got %d %+v", resp.StatusCode, body)
	}

	resp = postJSON(t, srv.URL+"/usage/record", `{"userId":"u2","limitType":"gif_caption"}`, tok)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 recording for another user, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/usage/check", `{"userId":"u2","limitType":"gif_caption"}`, "")
	var check struct {
		Data struct {
			Valid bool `json:"valid"`
			Usage int  `json:"usage"`
		} `json:"data"`
	}
	decode(t, resp, &check)
	if !check.Data.Valid || check.Data.Usage != 0 {
		t.Fatalf("expected no usage recorded for u2, got %+v", check.Data)
	}
}

func TestUploadMediaValidation(t *testing.T) {
	srv := newTestServer(t, "", true)
	fields := map[string]string{"userId": "u1", "idToken": "tok"}

	cases := []struct {
		name    string
		files   []uploadFile
		message string
	}{
		{"no media", nil, "No media found"},
		{"both media", []uploadFile{{"images", "a.jpg", []byte("a")}, {"videos", "b.mp4", []byte("b")}}, "Only one type of media is allowed"},
		{"plan size", []uploadFile{{"images", "big.jpg", bytes.Repeat([]byte("x"), 8*1024*1024)}}, "image size exceeds 3MB limit of plan free"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postUpload(t, srv.URL+"/locket/upload-media", fields, tc.files...)
			var body struct {
				Message string `json:"message"`
			}
			decode(t, resp, &body)
			if resp.StatusCode != http.StatusBadRequest || body.Message != tc.message {
				t.Fatalf("expected 400 %q, got %d %q", tc.message, resp.StatusCode, body.Message)
			}
		})
	}
}

func TestUploadMediaGifQuota(t *testing.T) {
	srv := newTestServer(t, "", true)
	fields := map[string]string{
		"userId":  "u1",
		"idToken": "tok",
		"caption": "hi",
		"plan_id": "free",
		"options": `{"type":"image_gif"}`,
	}
	img := uploadFile{"images", "photo.jpg", []byte("jpeg")}

	for i := 0; i < 2; i++ {
		resp := postUpload(t, srv.URL+"/locket/upload-media", fields, img)
		var body struct {
			Message string          `json:"message"`
			Data    json.RawMessage `json:"data"`
		}
		decode(t, resp, &body)
		if resp.StatusCode != http.StatusOK || body.Message != "Upload image successfully" {
			t.Fatalf("upload %d: expected success, got %d %+v", i, resp.StatusCode, body)
		}
	}

	resp := postUpload(t, srv.URL+"/locket/upload-media", fields, img)
	var limited struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
		Usage   int    `json:"usage"`
		Limit   int    `json:"limit"`
	}
	decode(t, resp, &limited)
	if resp.StatusCode != http.StatusTooManyRequests || limited.Error != "GIF_CAPTION_LIMIT_EXCEEDED" || limited.Usage != 2 || limited.Limit != 2 {
		t.Fatalf("expected 429 gate payload, got %d %+v", resp.StatusCode, limited)
	}
}

func TestUploadRouteDisabledWithoutStorage(t *testing.T) {
	srv := newTestServer(t, "", false)
	resp := postUpload(t, srv.URL+"/locket/upload-media", map[string]string{"userId": "u1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 when uploads are disabled, got %d", resp.StatusCode)
	}
}

func TestPostgresDSN(t *testing.T) {
	cfg := &config.Config{Environment: "development", DBConnectionString: "postgres://u:p@localhost:5432/db"}
	if got := postgresDSN(cfg); got != "postgres://u:p@localhost:5432/db?sslmode=disable" {
		t.Fatalf("unexpected development dsn %q", got)
	}
	cfg = &config.Config{Environment: "production", DBConnectionString: "host=db user=u"}
	if got := postgresDSN(cfg); got != "host=db user=u default_query_exec_mode=simple_protocol" {
		t.Fatalf("unexpected production dsn %q", got)
	}
}
