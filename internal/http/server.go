package http

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/app"
	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/nilcheck"
	"github.com/LerianStudio/payment-outbox/internal/runtime"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	maxWebhookBodySize     = 1 << 20
)

// ErrWebhookProcessorRequired is returned by NewRouter without a processor.
var ErrWebhookProcessorRequired = errors.New("webhook processor is required")

// RouterConfig lists what the router serves.
type RouterConfig struct {
	Webhooks     WebhookProcessor
	Dependencies []DependencyCheck
	Logger       log.Logger
	Tracer       trace.Tracer
}

// NewRouter builds the fiber app:
//
//	POST /v1/webhooks/stripe
//	GET  /health
func NewRouter(cfg RouterConfig) (*fiber.App, error) {
	if nilcheck.Interface(cfg.Webhooks) {
		return nil, ErrWebhookProcessorRequired
	}

	logger := cfg.Logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	tracer := cfg.Tracer
	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("payment-outbox.noop")
	}

	f := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             maxWebhookBodySize,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return WriteError(c, fe.Code, strings.ToLower(strings.ReplaceAll(fe.Message, " ", "_")), fe.Message)
			}

			log.SafeError(logger, c.UserContext(), "handler error", err, false)

			return SimpleInternalServerError(c)
		},
	})

	f.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e any) {
			runtime.HandlePanicValue(c.UserContext(), logger, e, "http", c.Path())
		},
	}))
	f.Use(WithTelemetry(tracer))
	f.Use(WithHTTPLogging(logger))

	f.Get("/health", HealthWithDependencies(cfg.Dependencies...))
	f.Post("/v1/webhooks/stripe", StripeWebhook(cfg.Webhooks, logger))

	return f, nil
}

// Server runs a fiber app until the launcher context is cancelled.
type Server struct {
	app             *fiber.App
	address         string
	shutdownTimeout time.Duration
	logger          log.Logger
}

var _ app.App = (*Server)(nil)

// NewServer listens on address when run.
func NewServer(f *fiber.App, address string, logger log.Logger) *Server {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Server{app: f, address: address, shutdownTimeout: defaultShutdownTimeout, logger: logger}
}

// Run implements app.App.
func (s *Server) Run(launcher *app.Launcher) error {
	return s.RunContext(launcher.Context())
}

// RunContext serves until ctx is done, then shuts down gracefully.
func (s *Server) RunContext(ctx context.Context) error {
	listenErr := make(chan error, 1)

	runtime.SafeGoWithContext(ctx, s.logger, "http", "listen", runtime.KeepRunning, func(context.Context) {
		s.logger.Log(ctx, log.LevelInfo, "http server listening", log.String("address", s.address))
		listenErr <- s.app.Listen(s.address)
	})

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	s.logger.Log(ctx, log.LevelInfo, "shutting down http server")

	if err := s.app.ShutdownWithTimeout(s.shutdownTimeout); err != nil {
		return err
	}

	return <-listenErr
}
