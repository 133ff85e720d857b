package handlers

import (
	"arena-live-system/middleware"
	"arena-live-system/services"

	"github.com/gofiber/fiber/v2"
)

// SetupArenaRoutes registers the public dashboard endpoints and the
// key-guarded agent endpoints under /api.
func SetupArenaRoutes(app *fiber.App, ingest *services.IngestService, query *services.QueryService, bus *services.BroadcastService) {
	api := app.Group("/api")

	// Dashboard surface: live stream plus snapshots.
	api.Get("/events", bus.StreamEvents)
	api.Get("/latest-game", query.GetLatestGame)
	api.Get("/matchups", query.GetMatchups)
	api.Get("/games", query.GetGames)
	api.Get("/game/:id", query.GetGame)
	api.Get("/runs", query.GetRuns)

	// Agent surface: mutating routes require the shared api key.
	guarded := api.Group("/", middleware.APIKeyMiddleware())
	guarded.Post("/batch", ingest.PostBatch)
	guarded.Delete("/reset", ingest.Reset)
}
