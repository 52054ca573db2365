package web

import (
	"encoding/json"

	"github.com/dukex/aether/pkg/settings"
	"github.com/gofiber/fiber/v3"
)

func (h *APIHandlers) GetSettings(c fiber.Ctx) error {
	return c.JSON(SettingsResponse{Settings: settings.Redact(h.settings.Get())})
}

// UpdateSettings merges the body over the current settings. The body is passed through
// untouched so omitted fields keep their values.
func (h *APIHandlers) UpdateSettings(c fiber.Ctx) error {
	body := c.Body()
	if !json.Valid(body) {
		return invalidJSON(c)
	}

	updated, err := h.settings.Update(c.Context(), json.RawMessage(body))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(UpdateSettingsResponse{Valid: true, Settings: settings.Redact(updated)})
}
