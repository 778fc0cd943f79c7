package handler

import (
	"net/http"
	"runtime"
	"time"

	"locketwan/internal/api/v1/dto"
)

type HealthHandler struct {
	version string
	started time.Time
}

func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version, started: time.Now()}
}

func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	// GET patterns also answer HEAD.
	mux.HandleFunc("GET /keepalive", h.keepalive)
	mux.HandleFunc("GET /stat", h.stat)
}

// keepalive godoc
// @Summary Liveness probe
// @Tags health
// @Produce json
// @Success 200 {object} dto.KeepaliveResponseDTO
// @Router /keepalive [get]
func (h *HealthHandler) keepalive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dto.KeepaliveResponseDTO{
		Uptime:  time.Since(h.started).Seconds(),
		Version: h.version,
	})
}

func (h *HealthHandler) stat(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	writeJSON(w, http.StatusOK, map[string]any{
		"vcpu":       runtime.NumCPU(),
		"goroutines": runtime.NumGoroutine(),
		"heapMB":     float64(m.HeapAlloc) / 1024 / 1024,
		"sysMB":      float64(m.Sys) / 1024 / 1024,
	})
}
