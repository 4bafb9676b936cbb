package middleware

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/arzan03/EasyTransfer/internal/models"
	"github.com/arzan03/EasyTransfer/internal/services"
)

// LoopbackOnly lets control-plane requests through only when they come from
// a loopback address. Anything else is logged, journaled and answered with
// an empty default response so the route's existence is not advertised.
func LoopbackOnly(logger *slog.Logger, journal services.Journal) fiber.Handler {
	logger = logger.With(slog.String("component", "guard"))
	return func(c *fiber.Ctx) error {
		ip := c.Context().RemoteIP()
		if ip.IsLoopback() {
			return c.Next()
		}

		path := utils.CopyString(c.Path())
		logger.Warn("control request from non-loopback address ignored",
			slog.String("remote", ip.String()),
			slog.String("method", c.Method()),
			slog.String("path", path),
		)
		journal.Record(c.UserContext(), models.Event{
			Kind:     models.EventRejected,
			Location: path,
			Remote:   ip.String(),
			Status:   fiber.StatusOK,
		})
		return nil
	}
}
