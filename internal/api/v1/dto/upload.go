package dto

import "encoding/json"

// UploadMediaFormDTO holds the text fields of POST /locket/upload-media.
type UploadMediaFormDTO struct {
	UserID  string `validate:"required"`
	IDToken string `validate:"required"`
	Caption string
	PlanID  string
	Options json.RawMessage
	Overlay json.RawMessage
}

type UploadMediaResponseDTO struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// LimitExceededResponseDTO is the 429 body of the gif caption gate.
type LimitExceededResponseDTO struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Error     string `json:"error"`
	Usage     int    `json:"usage"`
	Limit     int    `json:"limit"`
	Unlimited bool   `json:"unlimited"`
}

type MessageResponseDTO struct {
	Message string `json:"message"`
}

type KeepaliveResponseDTO struct {
	Uptime  float64 `json:"uptime"`
	Version string  `json:"version"`
}
