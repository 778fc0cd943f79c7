package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"locketwan/internal/plan"
	"locketwan/internal/s3io"

	"github.com/rs/zerolog"
)

// ErrInvalidMediaType is returned for media other than image or video.
var ErrInvalidMediaType = errors.New("media type must be image or video")

// OptionTypeImageGif marks an image upload with a GIF caption.
const OptionTypeImageGif = "image_gif"

// MediaStore persists uploaded media and returns a URL the Locket API can fetch.
type MediaStore interface {
	Put(ctx context.Context, key, contentType string, body io.ReadSeeker, size int64) (string, error)
	Delete(ctx context.Context, key string) error
}

// PostMomentInput is one validated multipart upload.
type PostMomentInput struct {
	UserID      string
	IDToken     string
	PlanID      string
	Caption     string
	UserAgent   string
	MediaType   string
	FileName    string
	ContentType string
	Size        int64
	File        io.ReadSeeker
	Overlay     json.RawMessage
	Options     json.RawMessage
}

// PostMomentResult is what the upload endpoint returns on success.
type PostMomentResult struct {
	Data     json.RawMessage
	MediaURL string
	Usage    *int
}

// MomentService posts moments through the usage gate.
type MomentService interface {
	Post(ctx context.Context, in PostMomentInput) (*PostMomentResult, error)
}

type momentService struct {
	usage      UsageService
	store      MediaStore
	locket     LocketClient
	maxImageMB int
	maxVideoMB int
	locks      *userLocks
	logger     zerolog.Logger
	now        func() time.Time
}

func NewMomentService(usage UsageService, store MediaStore, locket LocketClient, maxImageMB, maxVideoMB int, logger zerolog.Logger) MomentService {
	return &momentService{
		usage:      usage,
		store:      store,
		locket:     locket,
		maxImageMB: maxImageMB,
		maxVideoMB: maxVideoMB,
		locks:      newUserLocks(),
		logger:     logger.With().Str("service", "MomentService").Logger(),
		now:        time.Now,
	}
}

type momentOptions struct {
	Type string `json:"type"`
}

func optionType(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var o momentOptions
	if err := json.Unmarshal(raw, &o); err != nil {
		return ""
	}
	return o.Type
}

func (s *momentService) hardCapMB(mediaType string) int {
	if mediaType == "video" {
		return s.maxVideoMB
	}
	return s.maxImageMB
}

// Post runs size checks, the gif quota gate, storage and the upstream post, then
// records gif usage once the moment is accepted.
func (s *momentService) Post(ctx context.Context, in PostMomentInput) (*PostMomentResult, error) {
	if in.MediaType != "image" && in.MediaType != "video" {
		return nil, ErrInvalidMediaType
	}
	if capMB := s.hardCapMB(in.MediaType); capMB > 0 && in.Size > int64(capMB)*1024*1024 {
		return nil, &SizeLimitError{MediaType: in.MediaType, LimitMB: capMB, SizeBytes: in.Size}
	}
	if err := s.usage.ValidateFileSize(in.PlanID, in.MediaType, in.Size); err != nil {
		return nil, err
	}

	gif := optionType(in.Options) == OptionTypeImageGif
	if gif {
		unlock := s.locks.lock(in.UserID)
		defer unlock()

		v, err := s.usage.ValidateUsage(ctx, in.UserID, in.PlanID, plan.UsageGifCaption)
		if err != nil {
			return nil, err
		}
		if !v.Valid {
			s.logger.Info().Str("user_id", in.UserID).Str("plan_id", in.PlanID).Msg("GIF caption limit exceeded")
			return nil, &LimitExceededError{UsageType: plan.UsageGifCaption, Validation: v}
		}
	}

	key := s3io.BuildKey(in.UserID, in.MediaType, in.FileName, s.now())
	mediaURL, err := s.store.Put(ctx, key, s3io.ContentType(in.MediaType, in.ContentType), in.File, in.Size)
	if err != nil {
		return nil, fmt.Errorf("storing media: %w", err)
	}

	data, err := s.locket.PostMoment(ctx, LocketMoment{
		IDToken:   in.IDToken,
		MediaType: in.MediaType,
		MediaURL:  mediaURL,
		Caption:   in.Caption,
		Overlay:   in.Overlay,
		Options:   in.Options,
	})
	if err != nil {
		if delErr := s.store.Delete(context.WithoutCancel(ctx), key); delErr != nil {
			s.logger.Warn().Err(delErr).Str("key", key).Msg("Failed to clean up media after rejected post")
		}
		return nil, err
	}

	result := &PostMomentResult{Data: data, MediaURL: mediaURL}
	if gif {
		count, err := s.usage.RecordUsage(ctx, in.UserID, plan.UsageGifCaption, in.UserAgent)
		if err != nil {
			s.logger.Error().Err(err).Str("user_id", in.UserID).Msg("Moment posted but gif usage not recorded")
		} else {
			result.Usage = &count
		}
	}
	s.logger.Info().Str("user_id", in.UserID).Str("media_type", in.MediaType).Bool("gif", gif).Msg("Moment posted")
	return result, nil
}

// userLocks serialises check-then-record sequences per user.
type userLocks struct {
	mu    sync.Mutex
	locks map[string]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[string]*userLock)}
}

func (l *userLocks) lock(userID string) func() {
	l.mu.Lock()
	ul, ok := l.locks[userID]
	if !ok {
		ul = &userLock{}
		l.locks[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.Lock()
	return func() {
		ul.Unlock()
		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, userID)
		}
		l.mu.Unlock()
	}
}
