package outbox

import "fmt"

// OutboxStatus is the lifecycle state of an outbox message.
type OutboxStatus string

const (
	StatusPending    OutboxStatus = "pending"
	StatusProcessing OutboxStatus = "processing"
	StatusCompleted  OutboxStatus = "completed"
	StatusFailed     OutboxStatus = "failed"
)

// ParseOutboxStatus validates and converts a raw string status.
func ParseOutboxStatus(raw string) (OutboxStatus, error) {
	status := OutboxStatus(raw)

	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrOutboxStatusInvalid, raw)
	}

	return status, nil
}

// IsValid reports whether the status is part of the outbox lifecycle.
func (status OutboxStatus) IsValid() bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from status to next is allowed.
//
// The dispatcher moves pending -> processing and then processing -> completed,
// pending (retry) or failed (retry ceiling). A consumer acknowledgment may
// complete any row that is not completed yet. Completed is absorbing.
func (status OutboxStatus) CanTransitionTo(next OutboxStatus) bool {
	switch status {
	case StatusPending:
		return next == StatusProcessing || next == StatusCompleted
	case StatusProcessing:
		return next == StatusCompleted || next == StatusPending || next == StatusFailed
	case StatusFailed:
		return next == StatusCompleted
	default:
		return false
	}
}

// IsTerminal reports whether the dispatcher will never pick the row up again.
func (status OutboxStatus) IsTerminal() bool {
	return status == StatusCompleted || status == StatusFailed
}

// ValidateOutboxTransition validates a status transition using typed lifecycle rules.
func ValidateOutboxTransition(fromRaw, toRaw string) error {
	from, err := ParseOutboxStatus(fromRaw)
	if err != nil {
		return fmt.Errorf("from status: %w", err)
	}

	to, err := ParseOutboxStatus(toRaw)
	if err != nil {
		return fmt.Errorf("to status: %w", err)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrOutboxTransitionNotAllowed, from, to)
	}

	return nil
}

func (status OutboxStatus) String() string {
	return string(status)
}
