package s3io

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default content types per media kind.
const (
	ContentTypeImage = "image/jpeg"
	ContentTypeVideo = "video/mp4"
)

// BuildKey constructs the object key for a user's moment media.
func BuildKey(userID, mediaType, fileName string, at time.Time) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		ext = defaultExt(mediaType)
	}
	return fmt.Sprintf("moments/%s/%s/%d-%s%s", userID, mediaType, at.UnixMilli(), uuid.NewString(), ext)
}

// ParseKey extracts userID and mediaType from a key built by BuildKey.
func ParseKey(key string) (userID, mediaType string, ok bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 4 || parts[0] != "moments" {
		return "", "", false
	}
	if parts[2] != "image" && parts[2] != "video" {
		return "", "", false
	}
	return parts[1], parts[2], true
}

// ContentType falls back to a per-media default when the client sent none.
func ContentType(mediaType, declared string) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if mediaType == "video" {
		return ContentTypeVideo
	}
	return ContentTypeImage
}

func defaultExt(mediaType string) string {
	if mediaType == "video" {
		return ".mp4"
	}
	return ".jpg"
}
