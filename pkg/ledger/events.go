package ledger

import (
	"context"
	"time"
)

// EventType names a committed state change.
type EventType string

const (
	EventAccountRegistered  EventType = "account.registered"
	EventTransferCommitted  EventType = "transfer.committed"
	EventAccountDeactivated EventType = "account.deactivated"
)

// Event is emitted after a state change has been committed.
type Event struct {
	Type       EventType
	OccurredAt time.Time
	Account    *Account
	Transfer   *TransferResult
}

// EventSink receives committed events. Delivery is best effort; the sink owns
// its own error reporting and must not block the caller for long.
type EventSink interface {
	Notify(ctx context.Context, event Event)
}

func (service *Service) notify(ctx context.Context, event Event) {
	if service.events == nil {
		return
	}
	service.events.Notify(ctx, event)
}
