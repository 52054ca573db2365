package web

import "github.com/gofiber/fiber/v3"

// Register mounts the API under /api. Mutating endpoints require the server API key.
func (h *APIHandlers) Register(router fiber.Router) {
	api := router.Group("/api")

	api.Get("/health", h.Health)
	api.Get("/metrics", h.GetMetrics)
	api.Get("/audit/verify", h.VerifyAudit)

	api.Get("/settings", h.GetSettings)
	api.Put("/settings", h.RequireAPIKey, h.UpdateSettings)
	api.Patch("/settings", h.RequireAPIKey, h.UpdateSettings)

	runs := api.Group("/runs")
	runs.Get("/", h.GetRuns)
	runs.Post("/", h.RequireAPIKey, h.CreateRun)
	runs.Get("/:id", h.GetRun)
	runs.Get("/:id/stream", h.StreamRun)
	runs.Get("/:id/events", h.StreamRun)
	runs.Post("/:id/cancel", h.RequireAPIKey, h.CancelRun)

	api.Get("/protocol/handshake", h.ProtocolHandshake)

	presets := api.Group("/presets")
	presets.Get("/", h.GetPresets)
	presets.Post("/", h.RequireAPIKey, h.CreatePreset)
	presets.Get("/export", h.ExportPresets)
	presets.Post("/import", h.RequireAPIKey, h.ImportPresets)
	presets.Get("/:id", h.GetPreset)
	presets.Put("/:id", h.RequireAPIKey, h.UpdatePreset)
	presets.Delete("/:id", h.RequireAPIKey, h.DeletePreset)

	api.Post("/rpc", h.RequireAPIKey, h.ActiveRPC)

	blender := api.Group("/blender")
	blender.Get("/sessions", h.GetSessions)
	blender.Post("/sessions", h.RequireAPIKey, h.AttachSession)
	blender.Get("/active", h.GetActiveSession)
	blender.Post("/active/rpc", h.RequireAPIKey, h.ActiveRPC)
	blender.Get("/:id", h.GetSession)
	blender.Post("/:id/stop", h.RequireAPIKey, h.StopSession)
	blender.Post("/:id/rpc", h.RequireAPIKey, h.SessionRPC)
}
