// Package server wires the registry, router and port mapping into a
// running HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	"github.com/arzan03/EasyTransfer/internal/handlers"
	"github.com/arzan03/EasyTransfer/internal/middleware"
	"github.com/arzan03/EasyTransfer/internal/registry"
	"github.com/arzan03/EasyTransfer/internal/services"
	"github.com/arzan03/EasyTransfer/internal/upnp"
	"github.com/arzan03/EasyTransfer/internal/utils"
)

const (
	minRandomPort = 5000
	maxRandomPort = 65535
	mapTimeout    = 10 * time.Second
)

// ErrNoPort is returned when no port could be bound and mapped.
var ErrNoPort = errors.New("no usable port")

// Config tunes a Server.
type Config struct {
	// Host is the bind address. Empty binds every interface.
	Host         string
	Port         int
	PortAttempts int
	// StatePath receives the state file. Empty disables it.
	StatePath string
	// AccessLog enables Fiber's request log.
	AccessLog bool
}

// Server owns the listener and everything that must be released on exit.
type Server struct {
	cfg      Config
	app      *fiber.App
	registry *registry.Registry
	journal  services.Journal
	mapper   upnp.Mapper
	logger   *slog.Logger

	ln       net.Listener
	public   string
	pickPort func() int
}

// New builds the Fiber app for reg. mapper may be nil when UPnP is off.
func New(cfg Config, reg *registry.Registry, journal services.Journal, mapper upnp.Mapper, log *slog.Logger) *Server {
	if cfg.PortAttempts < 1 {
		cfg.PortAttempts = 1
	}
	log = log.With(slog.String("component", "server"))

	app := fiber.New(fiber.Config{
		AppName:               "easytransfer",
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})
	app.Use(recover.New())
	app.Use(requestid.New(requestid.Config{Generator: uuid.NewString}))
	if cfg.AccessLog {
		app.Use(logger.New(logger.Config{
			Format: "${time} ${ip} ${locals:requestid} ${status} - ${method} ${path} ${latency}\n",
			Output: os.Stderr,
		}))
	}
	app.Use(middleware.Metrics())
	handlers.New(reg, journal, log).Register(app)

	return &Server{
		cfg:      cfg,
		app:      app,
		registry: reg,
		journal:  journal,
		mapper:   mapper,
		logger:   log,
		pickPort: randomPort,
	}
}

// App exposes the Fiber application.
func (s *Server) App() *fiber.App {
	return s.app
}

// Port is the bound port, valid after Start.
func (s *Server) Port() int {
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// PublicURL is the base URL handed out for downloads, valid after Start.
func (s *Server) PublicURL() string {
	return s.public
}

// Start binds a port, maps it on the gateway and writes the state file.
// A port that cannot be bound or mapped is replaced by a random one in
// [5000, 65535] until the attempts run out.
func (s *Server) Start(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}
	s.ln = ln
	s.public = s.publicURL(ctx)

	if s.cfg.StatePath != "" {
		if err := WriteState(s.cfg.StatePath, State{Port: s.Port(), Public: s.public}); err != nil {
			s.logger.Warn("state file not written", slog.String("error", err.Error()))
		}
	}
	s.logger.Info("listening",
		slog.Int("port", s.Port()),
		slog.String("public", s.public),
	)
	return nil
}

func randomPort() int {
	return minRandomPort + rand.IntN(maxRandomPort-minRandomPort+1)
}

func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	port := s.cfg.Port
	var lastErr error
	for attempt := 1; attempt <= s.cfg.PortAttempts; attempt++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(s.cfg.Host, strconv.Itoa(port)))
		if err == nil {
			if err = s.mapPort(ctx, ln.Addr().(*net.TCPAddr).Port); err == nil {
				return ln, nil
			}
			ln.Close()
		}
		lastErr = err
		s.logger.Warn("port unavailable",
			slog.Int("attempt", attempt),
			slog.Int("port", port),
			slog.String("error", err.Error()),
		)
		port = s.pickPort()
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrNoPort, s.cfg.PortAttempts, lastErr)
}

func (s *Server) mapPort(ctx context.Context, port int) error {
	if s.mapper == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, mapTimeout)
	defer cancel()
	return s.mapper.Map(ctx, uint16(port))
}

func (s *Server) publicURL(ctx context.Context) string {
	host := "localhost"
	if s.mapper != nil {
		ctx, cancel := context.WithTimeout(ctx, mapTimeout)
		defer cancel()
		if ip, err := s.mapper.ExternalIP(ctx); err == nil && ip != "" {
			host = ip
		} else if err != nil {
			s.logger.Warn("external address unknown", slog.String("error", err.Error()))
		}
	} else if ip := lanAddress(); ip != "" {
		host = ip
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(s.Port()))
}

// lanAddress returns the address of the interface holding the default
// route. Dialing UDP sends no packets.
func lanAddress() string {
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return ""
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

// Serve handles requests until Shutdown. Start must have succeeded.
func (s *Server) Serve() error {
	if s.ln == nil {
		return errors.New("server not started")
	}
	return s.app.Listener(s.ln)
}

// Run starts the server and serves until ctx ends, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return errors.Join(err, s.release(releaseCtx))
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve() }()

	var err error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", slog.String("reason", context.Cause(ctx).Error()))
	case err = <-serveErr:
		s.logger.Error("server stopped", slog.String("error", fmt.Sprint(err)))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return errors.Join(err, s.Shutdown(shutdownCtx))
}

// Shutdown stops accepting requests, then releases the port mapping and
// the journal, then the registry. Mapping removal failures are logged only.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop http server: %w", err))
	}
	return errors.Join(append(errs, s.release(ctx))...)
}

// release frees everything but the HTTP server.
func (s *Server) release(ctx context.Context) error {
	var errs []error
	results := utils.RunParallel(
		func() error {
			if s.mapper == nil {
				return nil
			}
			if err := s.mapper.Unmap(ctx); err != nil {
				s.logger.Warn("failed to remove port mapping", slog.String("error", err.Error()))
			}
			return nil
		},
		func() error { return s.journal.Close(ctx) },
	)
	for _, err := range results {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.cfg.StatePath != "" {
		if err := os.Remove(s.cfg.StatePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove state file", slog.String("error", err.Error()))
		}
	}
	return errors.Join(errs...)
}
