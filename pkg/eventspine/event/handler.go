package event

import "context"

// HandlerFunc processes one event. Returning an error marks the invocation
// failed; the bus decides whether to retry based on the subscription's
// retry policy.
type HandlerFunc func(ctx context.Context, evt *DomainEvent) error
