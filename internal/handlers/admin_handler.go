package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/valyala/fasthttp"

	"github.com/arzan03/EasyTransfer/internal/models"
	"github.com/arzan03/EasyTransfer/internal/registry"
)

// Share registers the filesystem location named by the request path. The
// body may override the default policy with count=<n>&time=<seconds>.
func (h *Handler) Share(c *fiber.Ctx) error {
	// c.Path aliases the request buffer, which is reused after the handler
	// returns; the registry and journal keep location longer than that.
	location, err := url.PathUnescape(utils.CopyString(c.Path()))
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, "Invalid path encoding")
	}
	location = filepath.Clean(location)

	policy, err := parsePolicy(c.Body(), h.registry.DefaultPolicy())
	if err != nil {
		return errorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	id, err := h.registry.Create(location, policy)
	if err != nil {
		status := createStatus(err)
		h.record(c, models.Event{Kind: models.EventRejected, Location: location, Status: status})
		h.logger.Info("share rejected",
			slog.String("location", location),
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
		return errorResponse(c, status, err.Error())
	}

	h.record(c, models.Event{
		Kind:       models.EventCreated,
		ResourceID: int64(id),
		Location:   location,
		Status:     fiber.StatusCreated,
		Remaining:  policy.Count,
	})
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(fiber.StatusCreated).SendString(strconv.FormatUint(id, 10))
}

// Revoke removes the resource named by :id.
func (h *Handler) Revoke(c *fiber.Ctx) error {
	id, err := strconv.ParseUint(c.Params("id"), 10, 64)
	if err != nil || !h.registry.Revoke(id) {
		return errorResponse(c, fiber.StatusNotFound, "Resource not found")
	}
	h.record(c, models.Event{Kind: models.EventRevoked, ResourceID: int64(id), Status: fiber.StatusOK})
	return c.JSON(fiber.Map{"message": "Resource revoked successfully"})
}

// Snapshot drops expired resources and lists the rest, one
// id,count,expires_at,path line each.
func (h *Handler) Snapshot(c *fiber.Ctx) error {
	expired, live := h.registry.Snapshot()
	for _, id := range expired {
		h.record(c, models.Event{Kind: models.EventExpired, ResourceID: int64(id), Status: fiber.StatusOK})
	}

	var b strings.Builder
	for _, r := range live {
		fmt.Fprintf(&b, "%d,%d,%d,%s\n", r.ID, r.Remaining, r.ExpiresAt.Unix(), r.Location)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(b.String())
}

// parsePolicy applies the overrides in a form-encoded body to def. Empty
// values are treated as absent.
func parsePolicy(body []byte, def registry.Policy) (registry.Policy, error) {
	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)
	args.ParseBytes(body)

	p := def
	if v := args.Peek("count"); len(v) > 0 {
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return p, fmt.Errorf("invalid count %q", v)
		}
		p.Count = n
	}
	if v := args.Peek("time"); len(v) > 0 {
		secs, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil || secs < 0 || secs > math.MaxInt64/int64(time.Second) {
			return p, fmt.Errorf("invalid time %q", v)
		}
		p.TTL = time.Duration(secs) * time.Second
	}
	return p, nil
}

func createStatus(err error) int {
	var pathErr *registry.PathError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return fiber.StatusNotFound
	case errors.As(err, &pathErr):
		if pathErr.Kind == registry.PathPermission {
			return fiber.StatusForbidden
		}
		return fiber.StatusBadRequest
	case errors.Is(err, registry.ErrInvalidPolicy):
		return fiber.StatusBadRequest
	default:
		return fiber.StatusInternalServerError
	}
}
