package api

import (
	"context"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/rs/zerolog/log"

	"github.com/nexusdb/nexus/internal/apierr"
	"github.com/nexusdb/nexus/internal/config"
	"github.com/nexusdb/nexus/internal/observability"
	"github.com/nexusdb/nexus/internal/realtime"
	"github.com/nexusdb/nexus/internal/store"
	"github.com/nexusdb/nexus/internal/sync"
)

// Server is the HTTP/WebSocket gateway in front of DocumentStore and
// SubscriptionHub.
type Server struct {
	app    *fiber.App
	cfg    config.ServerConfig
	store  *store.Store
	hub    *realtime.Hub
	pusher *realtime.ConnectionPusher
	sync   *sync.Resolver

	runQuery    realtime.QueryFunc
	runMutation MutationFunc
	actions     *ActionRegistry

	metrics *observability.Metrics
	debug   bool
}

// NewServer wires a gateway around an already-open Store and a
// running Hub. The caller still owns starting/stopping the Hub and
// Store; Server only ever calls their already-public operations.
func NewServer(cfg config.ServerConfig, debug bool, s *store.Store, hub *realtime.Hub, pusher *realtime.ConnectionPusher, resolver *sync.Resolver, actions *ActionRegistry) *Server {
	if actions == nil {
		actions = NewActionRegistry()
	}
	if resolver != nil {
		registerSyncAction(actions, resolver)
	}

	srv := &Server{
		cfg:         cfg,
		store:       s,
		hub:         hub,
		pusher:      pusher,
		sync:        resolver,
		runQuery:    ResolveQuery(s),
		runMutation: ResolveMutation(s),
		actions:     actions,
		debug:       debug,
	}

	srv.app = fiber.New(fiber.Config{
		ServerHeader:          "nexus",
		AppName:               "nexus",
		BodyLimit:             cfg.BodyLimit,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		DisableStartupMessage: !debug,
		ErrorHandler:          customErrorHandler,
	})

	srv.registerMiddleware()
	srv.registerRoutes()
	return srv
}

func (s *Server) SetMetrics(m *observability.Metrics) {
	s.metrics = m
	if m != nil {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return m.Handler()(c)
		})
	}
}

func (s *Server) registerMiddleware() {
	s.app.Use(requestid.New())
	s.app.Use(recover.New(recover.Config{EnableStackTrace: s.debug}))
	s.app.Use(cors.New())
	s.app.Use(compress.New())
	if s.debug {
		s.app.Use(logger.New(logger.Config{
			Format: "[${time}] ${status} - ${latency} ${method} ${path} ${error}\n",
		}))
	}
}

func (s *Server) registerRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := s.app.Group("/api")
	api.Post("/query", s.handleQuery)
	api.Post("/mutation", s.handleMutation)
	api.Post("/action", s.handleAction)

	s.app.Get("/realtime", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		return websocket.New(s.handleConnection, websocket.Config{
			Subprotocols: []string{"convex-sync-v1", "convex-sync-v2"},
		})(c)
	})

	s.app.Get("/api/v1/realtime/stats", func(c *fiber.Ctx) error {
		connections, subscriptions := s.hub.Stats()
		return c.JSON(fiber.Map{"connections": connections, "subscriptions": subscriptions})
	})
}

// Start begins listening. It blocks until the listener stops.
func (s *Server) Start() error {
	log.Info().Str("address", s.cfg.Address).Msg("api: listening")
	return s.app.Listen(s.cfg.Address)
}

// Shutdown drains in-flight requests within timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return s.app.Shutdown()
	}
	return s.app.ShutdownWithTimeout(time.Until(deadline))
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	if apiErr, ok := apierr.As(err); ok {
		return c.Status(apiErr.HTTPStatus()).JSON(apiErr)
	}
	if fe, ok := err.(*fiber.Error); ok {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	log.Error().Err(err).Str("path", c.Path()).Msg("api: unhandled error")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
}

func requestDeadline(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
