package web

import (
	"github.com/dukex/aether/pkg/metrics"
	"github.com/dukex/aether/pkg/models"
	"github.com/dukex/aether/pkg/presets"
	"github.com/dukex/aether/pkg/settings"
	"github.com/dukex/aether/pkg/validation"
)

// RPCRequest is the body of the RPC proxy endpoints. Payload must be an object when present.
type RPCRequest struct {
	Command   string `json:"command"`
	Payload   any    `json:"payload"`
	TimeoutMs *int64 `json:"timeoutMs" validate:"omitempty,gt=0"`
}

type RunResponse struct {
	Run *models.Run `json:"run"`
}

type RunsResponse struct {
	Runs []*models.Run `json:"runs"`
}

type SessionResponse struct {
	Session *models.Session `json:"session"`
}

type SessionsResponse struct {
	Sessions []models.Session `json:"sessions"`
}

type RPCResponse struct {
	SessionID string `json:"sessionId"`
	Result    any    `json:"result"`
}

type SettingsResponse struct {
	Settings settings.Redacted `json:"settings"`
}

// UpdateSettingsResponse mirrors SettingsResponse with the validity flag clients check.
type UpdateSettingsResponse struct {
	Valid    bool              `json:"valid"`
	Settings settings.Redacted `json:"settings"`
}

type MetricsResponse struct {
	Metrics metrics.Snapshot `json:"metrics"`
}

type PresetResponse struct {
	Preset *presets.Preset `json:"preset"`
}

type PresetsResponse struct {
	Presets []presets.Preset `json:"presets"`
}

type BundleResponse struct {
	Bundle *presets.Bundle `json:"bundle"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

// HandshakeResponse adds the supported provider names to the negotiated protocol version.
type HandshakeResponse struct {
	validation.HandshakeResult

	Providers []string `json:"providers"`
}
