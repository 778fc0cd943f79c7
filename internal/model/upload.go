package model

import (
	"encoding/json"
	"strings"
)

// Queue item statuses shown to the user. Completed items are removed, never stored.
const (
	StatusWaiting   = "waiting"
	StatusUploading = "uploading"
	StatusError     = "error"
)

// UserData identifies the account a moment is posted for.
type UserData struct {
	IDToken string `json:"idToken"`
	LocalID string `json:"localId"`
}

// MediaFile describes the local media file to upload.
type MediaFile struct {
	URI      string `json:"uri"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// MediaInfo is the media part of an upload payload. Type is "image" or "video".
type MediaInfo struct {
	Type string    `json:"type"`
	File MediaFile `json:"file"`
}

// MediaUploadPayload is everything needed to post one moment through the proxy.
type MediaUploadPayload struct {
	UserData  UserData        `json:"userData"`
	MediaInfo MediaInfo       `json:"mediaInfo"`
	Caption   string          `json:"caption"`
	Overlay   json.RawMessage `json:"overlay,omitempty"`
	Options   json.RawMessage `json:"options,omitempty"`
	PlanID    string          `json:"planId,omitempty"`
}

// QueueItem is one pending upload in the durable client queue.
type QueueItem struct {
	ID           string             `json:"id"`
	Timestamp    int64              `json:"timestamp"`
	Payload      MediaUploadPayload `json:"payload"`
	SpoolPath    string             `json:"spoolPath,omitempty"`
	AttemptCount int                `json:"retryCount"`
	NextRetryAt  int64              `json:"nextRetryAt,omitempty"`
	LastError    string             `json:"lastError,omitempty"`
}

// FilePath returns the local path the uploader reads from, preferring the spooled copy.
func (q *QueueItem) FilePath() string {
	if q.SpoolPath != "" {
		return q.SpoolPath
	}
	return strings.TrimPrefix(q.Payload.MediaInfo.File.URI, "file://")
}

// Status derives the display status. uploading reports whether a progress entry exists.
func (q *QueueItem) Status(uploading bool) string {
	switch {
	case uploading:
		return StatusUploading
	case q.AttemptCount > 0:
		return StatusError
	default:
		return StatusWaiting
	}
}
