package server

import (
	"rankengine/internal/core/rank"
	"rankengine/internal/health"
	"rankengine/internal/platform/redis"
	"rankengine/internal/platform/sqlite"

	"github.com/gofiber/fiber/v2"
)

type Dependencies struct {
	Rank   *rank.Service
	Redis  *redis.Service
	SQLite *sqlite.DB
}

func RegisterRoutes(app *fiber.App, d Dependencies) *health.HealthHandler {
	// Health endpoints
	healthHandler := health.NewHealthHandler(map[string]health.Checker{
		"redis":  d.Redis,
		"sqlite": d.SQLite,
	})
	app.Get("/v1/health", health.HealthLimiter(), healthHandler.HandleHealth)

	api := app.Group("/v1")

	rankHandler := rank.NewHandler(d.Rank, d.Redis)
	api.Post("/rank-jobs", rankHandler.HandleStart)
	api.Post("/rank-jobs/cancel", rankHandler.HandleCancel)
	api.Get("/rank-jobs/:jobId", rankHandler.HandleGet)
	api.Get("/rank-jobs/:jobId/events", rankHandler.HandleEvents)
	api.Get("/clients/:clientCode/rankings", rankHandler.HandleRankings)

	return healthHandler
}
