package pubsub

import "context"

// Broadcaster fire-and-forget notices to downstream consumers
type Broadcaster interface {
	Publish(ctx context.Context, subject string, data any) error
	Health(ctx context.Context) error
}
