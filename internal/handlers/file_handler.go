package handlers

import (
	"errors"
	"log/slog"
	"strconv"

	"github.com/gofiber/fiber/v2"

	"github.com/arzan03/EasyTransfer/internal/models"
	"github.com/arzan03/EasyTransfer/internal/registry"
)

// Download consumes one use of the resource named by :id and streams it as
// an attachment.
func (h *Handler) Download(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil {
		return errorResponse(c, fiber.StatusNotFound, "Resource not found")
	}

	d, err := h.registry.Consume(c.UserContext(), id)
	if err != nil {
		status, kind, msg := consumeFailure(err)
		h.record(c, models.Event{Kind: kind, ResourceID: int64(id), Status: status})
		if status == fiber.StatusInternalServerError {
			h.logger.Error("download failed",
				slog.Uint64("id", id),
				slog.String("error", err.Error()),
			)
		}
		return errorResponse(c, status, msg)
	}

	f, err := h.open(d.Path)
	if err != nil {
		// The location changed between the registry check and the open.
		// The entry cannot be served any more.
		h.registry.Revoke(id)
		h.record(c, models.Event{Kind: models.EventInvalid, ResourceID: int64(id), Location: d.Path, Status: fiber.StatusGone})
		return errorResponse(c, fiber.StatusGone, "Resource is no longer available")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errorResponse(c, fiber.StatusInternalServerError, "Failed to read resource")
	}

	h.record(c, models.Event{
		Kind:       models.EventConsumed,
		ResourceID: int64(id),
		Location:   d.Path,
		Status:     fiber.StatusOK,
		Remaining:  d.Remaining,
	})
	h.logger.Info("serving resource",
		slog.Uint64("id", id),
		slog.String("name", d.Name),
		slog.Int64("bytes", info.Size()),
		slog.Int("remaining", d.Remaining),
	)

	c.Attachment(d.Name)
	// fasthttp closes f once the body has been written.
	return c.SendStream(f, int(info.Size()))
}

// consumeFailure maps a Consume error to a status, journal kind and message.
func consumeFailure(err error) (int, models.EventKind, string) {
	var pathErr *registry.PathError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return fiber.StatusNotFound, models.EventRejected, "Resource not found"
	case errors.Is(err, registry.ErrExpired):
		return fiber.StatusGone, models.EventExpired, "Resource has expired"
	case errors.As(err, &pathErr):
		return fiber.StatusGone, models.EventInvalid, "Resource is no longer available"
	default:
		return fiber.StatusInternalServerError, models.EventRejected, "Failed to prepare resource"
	}
}
