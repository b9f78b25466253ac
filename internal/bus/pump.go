package bus

import (
	"context"
	"log/slog"

	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/doc"
)

// Pump drains the document cache's outbound stream and publishes each
// payload on the bus. Publish failures are logged and dropped: replication
// is fire-and-forget, and a replica that missed deltas recovers from the
// latest snapshot.
func Pump(ctx context.Context, b Bus, outbound <-chan doc.Outbound) {
	for {
		select {
		case out, ok := <-outbound:
			if !ok {
				return
			}
			msg := Message{
				SessionID: out.SessionID,
				ClientID:  out.ClientID,
				Kind:      KindUpdate,
				Payload:   out.Payload,
			}
			if out.Awareness {
				msg.Kind = KindAwareness
			}
			if err := b.Publish(ctx, msg); err != nil {
				slog.Warn("Failed to publish replication message",
					"session_id", out.SessionID,
					"kind", msg.Kind,
					"error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
