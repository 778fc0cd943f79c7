// Package uploadqueue is the durable client-side queue of media uploads.
// Items are delivered at least once: a failed upload stays queued with a
// backoff deadline until it succeeds or the user removes it.
package uploadqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"locketwan/internal/config"
	"locketwan/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	ErrMissingFile       = errors.New("media file is required")
	ErrInvalidMediaType  = errors.New("media type must be image or video")
	ErrItemUploading     = errors.New("queue item is uploading")
	ErrAlreadyProcessing = errors.New("queue is already processing")
	ErrOffline           = errors.New("proxy unreachable")
)

// Uploader sends one item to the proxy.
type Uploader interface {
	UploadMedia(ctx context.Context, item *model.QueueItem, onProgress func(percent int)) (json.RawMessage, error)
	Ping(ctx context.Context) error
}

// ListenerFunc observes upload progress of a single item.
type ListenerFunc func(id string, percent int)

type ListenerID uint64

type Options struct {
	SpoolDir     string
	ImageTimeout time.Duration
	VideoTimeout time.Duration
	PollInterval time.Duration
	Backoff      Backoff

	// MaxAttempts stops automatic retries; RetryAll still picks the item up. 0 means no cap.
	MaxAttempts int
	Concurrency int
	AutoProcess bool
}

func OptionsFromConfig(cfg *config.UploaderConfig) Options {
	return Options{
		SpoolDir:     cfg.SpoolDir,
		ImageTimeout: cfg.ImageTimeout(),
		VideoTimeout: cfg.VideoTimeout(),
		PollInterval: cfg.PollInterval(),
		Backoff:      Backoff{Initial: cfg.BackoffInitial(), Max: cfg.BackoffMax()},
		MaxAttempts:  cfg.MaxAttempts,
		Concurrency:  cfg.Concurrency,
		AutoProcess:  cfg.AutoProcess,
	}
}

type Queue struct {
	store    Store
	uploader Uploader
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	processing atomic.Bool
	background sync.WaitGroup
	wake       chan struct{}

	// mu guards the progress map and listeners. An id present in progress is uploading.
	mu           sync.Mutex
	progress     map[string]int
	listeners    map[ListenerID]ListenerFunc
	nextListener ListenerID
}

func New(store Store, uploader Uploader, opts Options, logger zerolog.Logger) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Queue{
		store:     store,
		uploader:  uploader,
		opts:      opts,
		logger:    logger.With().Str("component", "UploadQueue").Logger(),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		progress:  make(map[string]int),
		listeners: make(map[ListenerID]ListenerFunc),
	}
}

// Enqueue persists a new upload. Identical payloads produce independent items.
func (q *Queue) Enqueue(ctx context.Context, payload model.MediaUploadPayload) (*model.QueueItem, error) {
	if payload.MediaInfo.File.URI == "" {
		return nil, ErrMissingFile
	}
	if t := payload.MediaInfo.Type; t != "image" && t != "video" {
		return nil, ErrInvalidMediaType
	}

	item := model.QueueItem{
		ID:        uuid.NewString(),
		Timestamp: q.now().UnixMilli(),
		Payload:   payload,
	}
	if q.opts.SpoolDir != "" {
		path, err := spoolFile(q.opts.SpoolDir, item.ID, item.FilePath())
		if err != nil {
			return nil, fmt.Errorf("spooling media: %w", err)
		}
		item.SpoolPath = path
	}
	if err := q.store.Insert(ctx, item); err != nil {
		removeSpooled(item.SpoolPath)
		return nil, err
	}
	q.logger.Info().Str("item_id", item.ID).Str("media_type", payload.MediaInfo.Type).Msg("Upload enqueued")

	select {
	case q.wake <- struct{}{}:
	default:
	}
	if q.opts.AutoProcess {
		q.background.Add(1)
		go func() {
			defer q.background.Done()
			if err := q.ProcessQueue(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, ErrOffline) {
				q.logger.Error().Err(err).Msg("Background queue processing failed")
			}
		}()
	}
	return &item, nil
}

// Wait blocks until processing started by Enqueue has finished.
func (q *Queue) Wait() {
	q.background.Wait()
}

// GetQueue returns the persisted items in insertion order.
func (q *Queue) GetQueue(ctx context.Context) ([]model.QueueItem, error) {
	return q.store.List(ctx)
}

// RemoveFromQueue drops an item and its spooled file. Unknown ids are ignored.
func (q *Queue) RemoveFromQueue(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, uploading := q.progress[id]; uploading {
		return ErrItemUploading
	}
	item, err := q.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := q.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := removeSpooled(item.SpoolPath); err != nil {
		q.logger.Warn().Err(err).Str("item_id", id).Msg("Failed to delete spooled file")
	}
	q.logger.Info().Str("item_id", id).Msg("Upload removed from queue")
	return nil
}

// ProcessQueue uploads every item whose retry deadline has passed. A call made
// while another is running returns immediately.
func (q *Queue) ProcessQueue(ctx context.Context) error {
	err := q.process(ctx)
	if errors.Is(err, ErrAlreadyProcessing) {
		q.logger.Debug().Msg("Queue processing already in flight")
		return nil
	}
	return err
}

// RetryAll clears the backoff state of every item and processes the queue.
func (q *Queue) RetryAll(ctx context.Context) error {
	items, err := q.store.List(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.AttemptCount == 0 && item.NextRetryAt == 0 {
			continue
		}
		item.AttemptCount, item.NextRetryAt = 0, 0
		if err := q.store.Update(ctx, item); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return q.ProcessQueue(ctx)
}

// Run processes the queue at start, then on every poll tick and enqueue until
// ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.Info().Dur("poll_interval", q.opts.PollInterval).Int("concurrency", q.opts.Concurrency).Msg("Starting upload queue worker")
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		if err := q.ProcessQueue(ctx); err != nil && !errors.Is(err, ErrOffline) && ctx.Err() == nil {
			q.logger.Error().Err(err).Msg("Error processing upload queue")
		}
		select {
		case <-ctx.Done():
			q.background.Wait()
			q.logger.Info().Msg("Shutting down upload queue worker")
			return nil
		case <-ticker.C:
		case <-q.wake:
		}
	}
}

func (q *Queue) process(ctx context.Context) error {
	if !q.processing.CompareAndSwap(false, true) {
		return ErrAlreadyProcessing
	}
	defer q.processing.Store(false)

	if err := q.uploader.Ping(ctx); err != nil {
		q.logger.Warn().Err(err).Msg("Proxy unreachable, skipping queue processing")
		return fmt.Errorf("%w: %w", ErrOffline, err)
	}

	items, err := q.store.List(ctx)
	if err != nil {
		return err
	}
	now := q.now().UnixMilli()
	var g errgroup.Group
	g.SetLimit(q.opts.Concurrency)
	for _, item := range items {
		if item.NextRetryAt > now {
			continue
		}
		if q.opts.MaxAttempts > 0 && item.AttemptCount >= q.opts.MaxAttempts {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		id := item.ID
		g.Go(func() error {
			q.processItem(ctx, id)
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) processItem(ctx context.Context, id string) {
	if !q.claim(id) {
		return
	}
	defer q.release(id)

	// Re-read under the claim so a concurrent removal is never uploaded.
	item, err := q.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			q.logger.Error().Err(err).Str("item_id", id).Msg("Failed to load queue item")
		}
		return
	}
	log := q.logger.With().Str("item_id", id).Str("media_type", item.Payload.MediaInfo.Type).Logger()

	if _, err := os.Stat(item.FilePath()); errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", item.FilePath()).Msg("Media file missing, dropping queue item")
		if err := q.store.Delete(ctx, id); err != nil {
			log.Error().Err(err).Msg("Failed to drop queue item")
		}
		return
	}

	uctx, cancel := context.WithTimeout(ctx, q.timeoutFor(item.Payload.MediaInfo.Type))
	defer cancel()
	start := q.now()
	_, err = q.uploader.UploadMedia(uctx, item, func(pct int) { q.setProgress(id, pct) })
	if err == nil {
		if err := q.store.Delete(ctx, id); err != nil {
			log.Error().Err(err).Msg("Uploaded item could not be removed from queue")
			return
		}
		if err := removeSpooled(item.SpoolPath); err != nil {
			log.Warn().Err(err).Msg("Failed to delete spooled file")
		}
		log.Info().Str("duration", q.now().Sub(start).String()).Msg("Upload succeeded")
		return
	}

	if ctx.Err() != nil {
		log.Info().Msg("Upload interrupted by shutdown, item left untouched")
		return
	}
	item.AttemptCount++
	delay := q.opts.Backoff.Delay(item.AttemptCount)
	item.NextRetryAt = q.now().Add(delay).UnixMilli()
	item.LastError = err.Error()
	if uerr := q.store.Update(ctx, *item); uerr != nil && !errors.Is(uerr, ErrNotFound) {
		log.Error().Err(uerr).Msg("Failed to persist retry state")
	}
	log.Warn().Err(err).Int("attempt", item.AttemptCount).Dur("retry_in", delay).Msg("Upload failed, will retry")
}

func (q *Queue) timeoutFor(mediaType string) time.Duration {
	d := q.opts.ImageTimeout
	if mediaType == "video" {
		d = q.opts.VideoTimeout
	}
	if d <= 0 {
		d = time.Minute
	}
	return d
}

func (q *Queue) claim(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.progress[id]; busy {
		return false
	}
	q.progress[id] = 0
	return true
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	delete(q.progress, id)
	q.mu.Unlock()
}

func (q *Queue) setProgress(id string, pct int) {
	q.mu.Lock()
	if _, ok := q.progress[id]; !ok {
		q.mu.Unlock()
		return
	}
	q.progress[id] = pct
	fns := make([]ListenerFunc, 0, len(q.listeners))
	for _, fn := range q.listeners {
		fns = append(fns, fn)
	}
	q.mu.Unlock()

	for _, fn := range fns {
		fn(id, pct)
	}
}

func (q *Queue) AddListener(fn ListenerFunc) ListenerID {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextListener++
	q.listeners[q.nextListener] = fn
	return q.nextListener
}

func (q *Queue) RemoveListener(id ListenerID) {
	q.mu.Lock()
	delete(q.listeners, id)
	q.mu.Unlock()
}

// Progress reports the upload percentage of an item that is currently uploading.
func (q *Queue) Progress(id string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pct, ok := q.progress[id]
	return pct, ok
}

// Snapshot copies the progress map.
func (q *Queue) Snapshot() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, len(q.progress))
	for id, pct := range q.progress {
		out[id] = pct
	}
	return out
}
