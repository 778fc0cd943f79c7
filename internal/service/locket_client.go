package service

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// LocketMoment is the moment forwarded to the Locket-compatible API.
type LocketMoment struct {
	IDToken   string
	MediaType string
	MediaURL  string
	Caption   string
	Overlay   json.RawMessage
	Options   json.RawMessage
}

// LocketClient posts moments to the upstream Locket API.
type LocketClient interface {
	PostMoment(ctx context.Context, m LocketMoment) (json.RawMessage, error)
}

// UpstreamError is a non-2xx answer from the Locket API.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("failed to create post: upstream returned %d", e.Status)
}

type locketClient struct {
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

func NewLocketClient(baseURL string, timeout time.Duration, logger zerolog.Logger) LocketClient {
	return &locketClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With().Str("service", "LocketClient").Logger(),
	}
}

type postOptions struct {
	Recipients []string `json:"recipients"`
}

func (c *locketClient) PostMoment(ctx context.Context, m LocketMoment) (json.RawMessage, error) {
	var opts postOptions
	if len(m.Options) > 0 {
		if err := json.Unmarshal(m.Options, &opts); err != nil {
			c.logger.Debug().Err(err).Msg("Ignoring unreadable moment options")
		}
	}
	if opts.Recipients == nil {
		opts.Recipients = []string{}
	}
	overlays := m.Overlay
	if len(overlays) == 0 {
		overlays = json.RawMessage(`[]`)
	}

	data := map[string]any{
		"thumbnail_url":   m.MediaURL,
		"caption":         m.Caption,
		"overlays":        overlays,
		"show_personally": false,
		"recipients":      opts.Recipients,
	}
	if m.MediaType == "video" {
		sum := md5.Sum([]byte(m.MediaURL))
		data["video_url"] = m.MediaURL
		data["md5"] = hex.EncodeToString(sum[:])
	}
	body, err := json.Marshal(map[string]any{"data": data})
	if err != nil {
		return nil, fmt.Errorf("encoding moment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/postMomentV2", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building moment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.IDToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting moment: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading moment response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error().Int("status", resp.StatusCode).Str("body", string(respBody)).Msg("Locket API rejected moment")
		return nil, &UpstreamError{Status: resp.StatusCode, Body: string(respBody)}
	}
	if !json.Valid(respBody) {
		return nil, errors.New("locket API returned invalid JSON")
	}
	return json.RawMessage(respBody), nil
}
