package http

import (
	"fmt"
	"net/http"
	"time"

	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/opentelemetry"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HeaderRequestID correlates a request across logs and responses.
const HeaderRequestID = "X-Request-Id"

// WithTelemetry continues the caller's W3C trace and wraps the request in a span.
func WithTelemetry(tracer trace.Tracer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == "/health" {
			return c.Next()
		}

		carrier := propagation.HeaderCarrier(http.Header(c.GetReqHeaders()))
		ctx := otel.GetTextMapPropagator().Extract(c.UserContext(), carrier)

		ctx, span := tracer.Start(ctx, c.Method()+" "+c.Path(), trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.SetUserContext(ctx)

		err := c.Next()

		status := c.Response().StatusCode()
		span.SetAttributes(
			attribute.String("http.request.method", c.Method()),
			attribute.String("url.path", c.Path()),
			attribute.Int("http.response.status_code", status),
		)

		if status >= fiber.StatusInternalServerError {
			opentelemetry.HandleSpanError(span, "request failed", fmt.Errorf("status %d", status))
		}

		return err
	}
}

// WithHTTPLogging assigns a request id and writes one access-log line per request.
func WithHTTPLogging(logger log.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == "/health" {
			return c.Next()
		}

		requestID := c.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}

		c.Set(HeaderRequestID, requestID)

		start := time.Now()
		err := c.Next()

		logger.Log(c.UserContext(), log.LevelInfo, "http request",
			log.String("request_id", requestID),
			log.String("method", c.Method()),
			log.String("path", c.Path()),
			log.Int("status", c.Response().StatusCode()),
			log.Int("size", len(c.Response().Body())),
			log.Duration("duration", time.Since(start)),
			log.String("remote", c.IP()),
		)

		return err
	}
}
