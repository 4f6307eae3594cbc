package http

import (
	"context"
	"errors"

	"github.com/LerianStudio/payment-outbox/internal/log"
	"github.com/LerianStudio/payment-outbox/internal/payment"
	"github.com/gofiber/fiber/v2"
)

// HeaderStripeSignature carries the provider's webhook signature.
const HeaderStripeSignature = "Stripe-Signature"

// WebhookProcessor is the payment-side entry point of provider webhooks.
// *payment.WebhookService implements it.
type WebhookProcessor interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (payment.WebhookResult, error)
}

// StripeWebhook verifies and applies a provider event. Signature and payload
// problems answer 400 so the provider stops retrying. A delivery racing
// another one for the same event answers 409 and anything else 500, both of
// which the provider retries.
func StripeWebhook(processor WebhookProcessor, logger log.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()

		// fasthttp reuses the request buffer once the handler returns
		payload := append([]byte(nil), c.Body()...)

		result, err := processor.HandleWebhook(ctx, payload, c.Get(HeaderStripeSignature))
		if err != nil {
			if errors.Is(err, payment.ErrWebhookInFlight) {
				logger.Log(ctx, log.LevelInfo, "webhook event already in flight", log.String("event_id", result.EventID))
				return WriteError(c, fiber.StatusConflict, "webhook_in_flight", err.Error())
			}

			if payment.IsClientError(err) {
				logger.Log(ctx, log.LevelWarn, "webhook rejected", log.Err(err))
				return WriteError(c, fiber.StatusBadRequest, "invalid_webhook", err.Error())
			}

			log.SafeError(logger, ctx, "webhook processing failed", err, false)

			return SimpleInternalServerError(c)
		}

		logger.Log(ctx, log.LevelDebug, "webhook handled",
			log.String("event_id", result.EventID),
			log.String("kind", string(result.Kind)),
			log.String("outcome", string(result.Outcome)))

		return c.Status(fiber.StatusOK).JSON(fiber.Map{"received": true})
	}
}
