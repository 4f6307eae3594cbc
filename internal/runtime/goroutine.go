package runtime

import (
	"context"

	"github.com/LerianStudio/payment-outbox/internal/log"
)

// SafeGo runs fn in a goroutine that recovers and reports panics according to policy.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	go func() {
		defer RecoverWithPolicyAndContext(context.Background(), logger, "goroutine", name, policy)

		fn()
	}()
}

// SafeGoWithContext is SafeGo with a context handed to fn and used for observability.
func SafeGoWithContext(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy, fn func(context.Context)) {
	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}
