package bus

import (
	"context"

	"github.com/apiforge/apiforge-backend/internal/realtime"
)

// Bus carries SSE messages between replicas so a job running on one instance
// reaches clients attached to another.
type Bus interface {
	Publish(ctx context.Context, msg realtime.SSEMessage) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error
	Close() error
}
