package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"locketwan/internal/api/v1/dto"
	"locketwan/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

type UploadHandler struct {
	momentService   service.MomentService
	validate        *validator.Validate
	multipartMemory int64
	maxBodyBytes    int64
	logger          zerolog.Logger
}

func NewUploadHandler(momentService service.MomentService, v *validator.Validate, multipartMemory, maxBodyBytes int64, logger zerolog.Logger) *UploadHandler {
	return &UploadHandler{
		momentService:   momentService,
		validate:        v,
		multipartMemory: multipartMemory,
		maxBodyBytes:    maxBodyBytes,
		logger:          logger.With().Str("handler", "UploadHandler").Logger(),
	}
}

// RegisterRoutes mounts the media upload route.
func (h *UploadHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.HandleFunc("POST /locket/upload-media", h.uploadMedia)
}

func rawJSONField(v string) (json.RawMessage, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, true
	}
	if !json.Valid([]byte(v)) {
		return nil, false
	}
	return json.RawMessage(v), true
}

// uploadMedia godoc
// @Summary Post a moment
// @Description Accepts one image (field "images") or one video (field "videos"), checks size and gif caption quota, stores the media and posts the moment upstream.
// @Tags locket
// @Accept multipart/form-data
// @Produce json
// @Param userId formData string true "User ID"
// @Param idToken formData string true "Locket ID token"
// @Param caption formData string false "Caption"
// @Param plan_id formData string false "Plan ID"
// @Param options formData string false "JSON options, type=image_gif consumes a gif caption"
// @Param overlay formData string false "JSON overlay"
// @Param images formData file false "Image"
// @Param videos formData file false "Video"
// @Success 200 {object} dto.UploadMediaResponseDTO
// @Failure 400 {object} dto.MessageResponseDTO
// @Failure 429 {object} dto.LimitExceededResponseDTO
// @Failure 502 {object} dto.MessageResponseDTO
// @Failure 503 {object} dto.MessageResponseDTO
// @Router /locket/upload-media [post]
func (h *UploadHandler) uploadMedia(w http.ResponseWriter, r *http.Request) {
	if h.maxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	}
	if err := r.ParseMultipartForm(h.multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, dto.MessageResponseDTO{Message: "Upload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, dto.MessageResponseDTO{Message: "Invalid multipart form: " + err.Error()})
		return
	}
	defer r.MultipartForm.RemoveAll()

	images := r.MultipartForm.File["images"]
	videos := r.MultipartForm.File["videos"]
	if len(images) == 0 && len(videos) == 0 {
		writeJSON(w, http.StatusBadRequest, dto.MessageResponseDTO{Message: "No media found"})
		return
	}
	if len(images) > 0 && len(videos) > 0 {
		writeJSON(w, http.StatusBadRequest, dto.MessageResponseDTO{Message: "Only one type of media is allowed"})
		return
	}

	form := dto.UploadMediaFormDTO{
		UserID:  r.FormValue("userId"),
		IDToken: r.FormValue("idToken"),
		Caption: r.FormValue("caption"),
		PlanID:  r.FormValue("plan_id"),
	}
	var ok bool
	if form.Options, ok = rawJSONField(r.FormValue("options")); !ok {
		writeJSON(w, http.StatusBadRequest, dto.MessageResponseDTO{Message: "Invalid options JSON"})
		return
	}
	if form.Overlay, ok = rawJSONField(r.FormValue("overlay")); !ok {
		writeJSON(w, http.StatusBadRequest, dto.MessageResponseDTO{Message: "Invalid overlay JSON"})
		return
	}
	if err := h.validate.Struct(&form); err != nil {
		writeJSON(w, http.StatusBadRequest, dto.MessageResponseDTO{Message: "Validation failed: " + err.Error()})
		return
	}

	mediaType, files := "image", images
	if len(files) == 0 {
		mediaType, files = "video", videos
	}
	fh := files[0]
	file, err := fh.Open()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, dto.MessageResponseDTO{Message: "Unable to read uploaded file"})
		return
	}
	defer file.Close()

	h.logger.Info().Str("user_id", form.UserID).Str("plan_id", form.PlanID).Str("media_type", mediaType).Int64("size", fh.Size).Msg("Upload received")

	result, err := h.momentService.Post(r.Context(), service.PostMomentInput{
		UserID:      form.UserID,
		IDToken:     form.IDToken,
		PlanID:      form.PlanID,
		Caption:     form.Caption,
		UserAgent:   r.UserAgent(),
		MediaType:   mediaType,
		FileName:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        fh.Size,
		File:        file,
		Overlay:     form.Overlay,
		Options:     form.Options,
	})
	if err != nil {
		h.writePostError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.UploadMediaResponseDTO{
		Message: "Upload " + mediaType + " successfully",
		Data:    result.Data,
	})
}

func (h *UploadHandler) writePostError(w http.ResponseWriter, err error) {
	var (
		sizeErr     *service.SizeLimitError
		limitErr    *service.LimitExceededError
		upstreamErr *service.UpstreamError
	)
	switch {
	case errors.As(err, &limitErr):
		v := limitErr.Validation
		writeJSON(w, http.StatusTooManyRequests, dto.LimitExceededResponseDTO{
			Success:   false,
			Message:   v.Message,
			Error:     "GIF_CAPTION_LIMIT_EXCEEDED",
			Usage:     v.Usage,
			Limit:     v.Limit,
			Unlimited: v.Unlimited,
		})
	case errors.As(err, &sizeErr):
		writeJSON(w, http.StatusBadRequest, dto.MessageResponseDTO{Message: err.Error()})
	case errors.Is(err, service.ErrInvalidMediaType):
		writeJSON(w, http.StatusBadRequest, dto.MessageResponseDTO{Message: err.Error()})
	case errors.Is(err, service.ErrQuotaUnavailable):
		h.logger.Error().Err(err).Msg("Gif caption quota check failed")
		writeJSON(w, http.StatusServiceUnavailable, dto.MessageResponseDTO{Message: "Usage service temporarily unavailable"})
	case errors.As(err, &upstreamErr):
		h.logger.Error().Err(err).Msg("Locket API rejected moment")
		writeJSON(w, http.StatusBadGateway, dto.MessageResponseDTO{Message: err.Error()})
	default:
		h.logger.Error().Err(err).Msg("Upload failed")
		writeJSON(w, http.StatusInternalServerError, dto.MessageResponseDTO{Message: "Upload failed"})
	}
}
