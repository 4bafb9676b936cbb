// Package handlers maps HTTP requests onto registry operations. GET /:id is
// the public data plane; everything else is loopback-only control plane.
package handlers

import (
	"log/slog"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzan03/EasyTransfer/internal/middleware"
	"github.com/arzan03/EasyTransfer/internal/models"
	"github.com/arzan03/EasyTransfer/internal/registry"
	"github.com/arzan03/EasyTransfer/internal/services"
)

// Handler serves the registry over HTTP.
type Handler struct {
	registry *registry.Registry
	journal  services.Journal
	logger   *slog.Logger
	open     func(name string) (*os.File, error)
}

// New returns a Handler for reg. Every outcome is recorded to journal.
func New(reg *registry.Registry, journal services.Journal, logger *slog.Logger) *Handler {
	return &Handler{
		registry: reg,
		journal:  journal,
		logger:   logger.With(slog.String("component", "router")),
		open:     os.Open,
	}
}

// Register mounts all routes on app. Order matters: the literal control
// routes must precede GET /:id.
func (h *Handler) Register(app *fiber.App) {
	guard := middleware.LoopbackOnly(h.logger, h.journal)

	app.Get("/", guard, h.Snapshot)
	app.Get("/metrics", guard, adaptor.HTTPHandler(promhttp.Handler()))
	// Add instead of Get: Get also answers HEAD, which would spend a
	// download without delivering it.
	app.Add(fiber.MethodGet, "/:id", h.Download)
	app.Post("/*", guard, h.Share)
	app.Delete("/:id", guard, h.Revoke)
}

func (h *Handler) record(c *fiber.Ctx, ev models.Event) {
	ev.Remote = c.Context().RemoteIP().String()
	h.journal.Record(c.UserContext(), ev)
}

func errorResponse(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
