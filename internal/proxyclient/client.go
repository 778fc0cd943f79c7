// Package proxyclient talks to the upload proxy on behalf of the client-side queue.
package proxyclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"locketwan/internal/model"
	"locketwan/internal/plan"

	"github.com/rs/zerolog"
)

const (
	maxResponseBytes = 1 << 20
	limitsTTL        = 10 * time.Minute
	pingTimeout      = 5 * time.Second
)

// ErrFileTooLarge is returned before sending when the file exceeds the plan size cap.
var ErrFileTooLarge = errors.New("file exceeds plan upload limit")

// APIError is a non-2xx answer from the proxy.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("proxy returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("proxy returned %d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger

	mu       sync.Mutex
	limits   plan.Table
	limitsAt time.Time
}

// New returns a client for the proxy at baseURL. A nil httpClient uses a client
// without an overall timeout; callers bound uploads with their context.
func New(baseURL string, httpClient *http.Client, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger.With().Str("component", "ProxyClient").Logger(),
	}
}

// Ping checks that the proxy is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/keepalive", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reaching proxy: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

// Limits returns the proxy's plan table, cached for a few minutes.
func (c *Client) Limits(ctx context.Context) (plan.Table, error) {
	c.mu.Lock()
	if c.limits != nil && time.Since(c.limitsAt) < limitsTTL {
		t := c.limits
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/usage/limits", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching plan limits: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading plan limits: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, newAPIError(resp.StatusCode, body)
	}
	var out struct {
		Data plan.Table `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding plan limits: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, errors.New("proxy returned an empty plan table")
	}

	c.mu.Lock()
	c.limits, c.limitsAt = out.Data, time.Now()
	c.mu.Unlock()
	return out.Data, nil
}

// CheckSize rejects files over the plan's size cap. An unreachable plan table
// skips the check; the proxy enforces it again.
func (c *Client) CheckSize(ctx context.Context, planID, mediaType string, size int64) error {
	limits, err := c.Limits(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Plan limits unavailable, skipping size pre-check")
		return nil
	}
	planID, l := limits.Lookup(planID)
	limitMB := l.MaxSizeMB(mediaType)
	if limitMB > 0 && size > int64(limitMB)*1024*1024 {
		return fmt.Errorf("%w: %s of %.1fMB, plan %s allows %dMB", ErrFileTooLarge, mediaType, float64(size)/(1024*1024), planID, limitMB)
	}
	return nil
}

// UploadMedia posts one queued item to /locket/upload-media. The multipart body
// is streamed from disk and onProgress sees the share of the file sent so far.
func (c *Client) UploadMedia(ctx context.Context, item *model.QueueItem, onProgress func(percent int)) (json.RawMessage, error) {
	p := item.Payload
	field, err := mediaField(p.MediaInfo.Type)
	if err != nil {
		return nil, err
	}
	path := item.FilePath()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if err := c.CheckSize(ctx, p.PlanID, p.MediaInfo.Type, st.Size()); err != nil {
		return nil, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/locket/upload-media", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	name := p.MediaInfo.File.Name
	if name == "" {
		name = filepath.Base(path)
	}
	src := &progressReader{r: f, total: st.Size(), last: -1, fn: onProgress}
	go func() {
		pw.CloseWithError(writeForm(mw, p, field, name, src))
	}()

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("uploading item %s: %w", item.ID, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading upload response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, newAPIError(resp.StatusCode, body)
	}

	var out struct {
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decoding upload response: %w", err)
	}
	if onProgress != nil {
		onProgress(100)
	}
	c.logger.Info().Str("item_id", item.ID).Str("duration", time.Since(start).String()).Msg(out.Message)
	return out.Data, nil
}

func mediaField(mediaType string) (string, error) {
	switch mediaType {
	case "image":
		return "images", nil
	case "video":
		return "videos", nil
	default:
		return "", fmt.Errorf("unsupported media type %q", mediaType)
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// writeForm writes the text fields first and the media part last.
func writeForm(mw *multipart.Writer, p model.MediaUploadPayload, field, name string, file io.Reader) error {
	fields := [][2]string{
		{"userId", p.UserData.LocalID},
		{"idToken", p.UserData.IDToken},
		{"caption", p.Caption},
		{"plan_id", p.PlanID},
		{"options", string(p.Options)},
		{"overlay", string(p.Overlay)},
	}
	for _, kv := range fields {
		if kv[1] == "" && kv[0] != "caption" {
			continue
		}
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return err
		}
	}

	contentType := p.MediaInfo.File.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`, field, quoteEscaper.Replace(name)))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		return err
	}
	return mw.Close()
}

// progressReader reports 0-99 while the body is read; 100 is sent once the
// proxy has answered.
type progressReader struct {
	r     io.Reader
	total int64
	read  int64
	last  int
	fn    func(int)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if p.fn != nil && p.total > 0 {
		pct := int(p.read * 100 / p.total)
		if pct > 99 {
			pct = 99
		}
		if pct != p.last {
			p.last = pct
			p.fn(pct)
		}
	}
	return n, err
}

func newAPIError(status int, body []byte) *APIError {
	e := &APIError{Status: status}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		e.Code, e.Message = payload.Error, payload.Message
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}
