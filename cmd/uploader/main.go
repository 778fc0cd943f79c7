package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"locketwan/internal/config"
	"locketwan/internal/logger"
	"locketwan/internal/model"
	"locketwan/internal/proxyclient"
	"locketwan/internal/uploadqueue"

	"github.com/joho/godotenv"
)

func main() {
	mode := flag.String("mode", "", "Uploader mode: enqueue|list|remove|process|retry|run")
	file := flag.String("file", "", "Media file to enqueue")
	mediaType := flag.String("type", "", "Media type (image|video); detected from the file extension when empty")
	caption := flag.String("caption", "", "Moment caption")
	options := flag.String("options", "", `Moment options as JSON, e.g. {"type":"image_gif"}`)
	overlay := flag.String("overlay", "", "Caption overlay as JSON")
	id := flag.String("id", "", "Queue item id for -mode remove")
	flag.Parse()

	logger := logger.New()

	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.LoadUploader()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := uploadqueue.OpenSQLiteStore(ctx, cfg.QueueDBPath)
	if err != nil {
		logger.Fatal().Msgf("Failed to open queue store: %v", err)
	}
	defer store.Close()

	client := proxyclient.New(cfg.ProxyBaseURL, nil, logger)
	queue := uploadqueue.New(store, client, uploadqueue.OptionsFromConfig(cfg), logger)
	logger.Info().Str("proxy", cfg.ProxyBaseURL).Str("mode", *mode).Msg("Upload queue ready")

	var runErr error
	switch *mode {
	case "enqueue":
		var payload model.MediaUploadPayload
		payload, runErr = buildPayload(cfg, *file, *mediaType, *caption, *options, *overlay)
		if runErr != nil {
			break
		}
		var item *model.QueueItem
		if item, runErr = queue.Enqueue(ctx, payload); runErr == nil {
			fmt.Println(item.ID)
			queue.Wait()
		}
	case "list":
		runErr = listQueue(ctx, queue)
	case "remove":
		if *id == "" {
			logger.Fatal().Msg("-id is required for -mode remove")
		}
		runErr = queue.RemoveFromQueue(ctx, *id)
	case "process":
		runErr = queue.ProcessQueue(ctx)
	case "retry":
		runErr = queue.RetryAll(ctx)
	case "run":
		runErr = queue.Run(ctx)
	default:
		logger.Fatal().Msgf("Invalid mode: %s", *mode)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Fatal().Msgf("%s failed: %v", *mode, runErr)
	}
	logger.Info().Msgf("%s finished", *mode)
}

func buildPayload(cfg *config.UploaderConfig, file, mediaType, caption, options, overlay string) (model.MediaUploadPayload, error) {
	var p model.MediaUploadPayload
	if cfg.UserID == "" || cfg.IDToken == "" {
		return p, errors.New("UPLOADER_USER_ID and UPLOADER_ID_TOKEN must be set")
	}
	if file == "" {
		return p, uploadqueue.ErrMissingFile
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return p, err
	}
	st, err := os.Stat(abs)
	if err != nil {
		return p, err
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(abs)))
	if mediaType == "" {
		mediaType = "image"
		if strings.HasPrefix(mimeType, "video/") {
			mediaType = "video"
		}
	}
	for name, raw := range map[string]string{"options": options, "overlay": overlay} {
		if raw != "" && !json.Valid([]byte(raw)) {
			return p, fmt.Errorf("-%s is not valid JSON", name)
		}
	}

	media := model.MediaFile{URI: "file://" + abs, Name: filepath.Base(abs), Size: st.Size(), MimeType: mimeType}
	p = model.MediaUploadPayload{
		UserData:  model.UserData{IDToken: cfg.IDToken, LocalID: cfg.UserID},
		MediaInfo: model.MediaInfo{Type: mediaType, File: media},
		Caption:   caption,
		PlanID:    cfg.PlanID,
	}
	if options != "" {
		p.Options = json.RawMessage(options)
	}
	if overlay != "" {
		p.Overlay = json.RawMessage(overlay)
	}
	return p, nil
}

// listQueue prints one JSON line per item, newest first.
func listQueue(ctx context.Context, queue *uploadqueue.Queue) error {
	items, err := queue.GetQueue(ctx)
	if err != nil {
		return err
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Timestamp > items[j].Timestamp })
	enc := json.NewEncoder(os.Stdout)
	for _, item := range items {
		_, uploading := queue.Progress(item.ID)
		line := struct {
			ID          string `json:"id"`
			Status      string `json:"status"`
			Type        string `json:"type"`
			File        string `json:"file"`
			Caption     string `json:"caption,omitempty"`
			Attempts    int    `json:"attempts"`
			NextRetryAt int64  `json:"nextRetryAt,omitempty"`
			LastError   string `json:"lastError,omitempty"`
		}{
			ID:          item.ID,
			Status:      item.Status(uploading),
			Type:        item.Payload.MediaInfo.Type,
			File:        item.Payload.MediaInfo.File.Name,
			Caption:     item.Payload.Caption,
			Attempts:    item.AttemptCount,
			NextRetryAt: item.NextRetryAt,
			LastError:   item.LastError,
		}
		if err := enc.Encode(line); err != nil {
			return err
		}
	}
	return nil
}
