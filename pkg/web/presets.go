package web

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/dukex/aether/pkg/presets"
	"github.com/dukex/aether/pkg/provider"
	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/dukex/aether/pkg/validation"
	"github.com/gofiber/fiber/v3"
)

// protocolVersionHeader lets clients negotiate the protocol version without a query string.
const protocolVersionHeader = "X-Aether-Protocol-Version"

// Presets stores reusable protocol plans.
type Presets interface {
	List(ctx context.Context) ([]presets.Preset, error)
	Get(ctx context.Context, id string) (*presets.Preset, error)
	Upsert(ctx context.Context, input map[string]any) (*presets.Preset, error)
	Delete(ctx context.Context, id string) (bool, error)
	Export(ctx context.Context, ids []string) (*presets.Bundle, error)
	Import(ctx context.Context, input any) (*presets.ImportResult, error)
}

func (h *APIHandlers) GetPresets(c fiber.Ctx) error {
	list, err := h.presets.List(c.Context())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(PresetsResponse{Presets: list})
}

func (h *APIHandlers) GetPreset(c fiber.Ctx) error {
	preset, err := h.presets.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(PresetResponse{Preset: preset})
}

func (h *APIHandlers) CreatePreset(c fiber.Ctx) error {
	var body map[string]any
	if err := json.Unmarshal(c.Body(), &body); err != nil || body == nil {
		return invalidJSON(c)
	}

	preset, err := h.presets.Upsert(c.Context(), body)
	if err != nil {
		return handleServiceError(c, err)
	}

	h.logger.InfoContext(c.Context(), "preset created", "preset_id", preset.ID)

	return c.Status(fiber.StatusCreated).JSON(PresetResponse{Preset: preset})
}

// UpdatePreset upserts the body under the id from the path.
func (h *APIHandlers) UpdatePreset(c fiber.Ctx) error {
	var body map[string]any
	if err := json.Unmarshal(c.Body(), &body); err != nil || body == nil {
		return invalidJSON(c)
	}

	body["id"] = c.Params("id")

	preset, err := h.presets.Upsert(c.Context(), body)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(PresetResponse{Preset: preset})
}

func (h *APIHandlers) DeletePreset(c fiber.Ctx) error {
	deleted, err := h.presets.Delete(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	if !deleted {
		return codedProblem(c, taxonomy.New(presets.CodeNotFound, ""))
	}

	return c.JSON(OKResponse{OK: true})
}

// ExportPresets bundles the presets named by the comma separated ids query, or all of them.
func (h *APIHandlers) ExportPresets(c fiber.Ctx) error {
	var ids []string

	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	bundle, err := h.presets.Export(c.Context(), ids)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(BundleResponse{Bundle: bundle})
}

// ImportPresets accepts a bundle either as the body itself or under a "bundle" key.
func (h *APIHandlers) ImportPresets(c fiber.Ctx) error {
	var body any
	if err := json.Unmarshal(c.Body(), &body); err != nil {
		return invalidJSON(c)
	}

	if wrapper, ok := body.(map[string]any); ok {
		if bundle, ok := wrapper["bundle"]; ok {
			body = bundle
		}
	}

	result, err := h.presets.Import(c.Context(), body)
	if err != nil {
		return handleServiceError(c, err)
	}

	h.logger.InfoContext(c.Context(), "presets imported", "count", result.ImportedCount)

	return c.JSON(result)
}

// ProtocolHandshake negotiates the protocol version from the version query or header.
func (h *APIHandlers) ProtocolHandshake(c fiber.Ctx) error {
	requested := c.Query("version")
	if requested == "" {
		requested = c.Get(protocolVersionHeader)
	}

	result := validation.Handshake(requested)
	if err := result.Err(); err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(HandshakeResponse{
		HandshakeResult: result,
		Providers:       []string{provider.Anthropic, provider.OpenAI, provider.Gemini},
	})
}
