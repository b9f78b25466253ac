package gateway

import (
	"encoding/base64"
	"errors"
	"log/slog"

	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/bus"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/doc"
	"github.com/CS3219-AY2526Sem1/cs3219-ay2526s1-project-g24-sub002/internal/domain"
	"github.com/coder/websocket"
)

// RemoteHandler returns the bus handler that merges messages from other
// replicas into the local cache and forwards them to locally connected
// clients. Remote applies never re-emit to the bus.
func RemoteHandler(cache *doc.Cache, hub *Hub) bus.Handler {
	return func(msg bus.Message) {
		switch msg.Kind {
		case bus.KindUpdate:
			if err := cache.ApplyRemoteUpdate(msg.SessionID, msg.Payload); err != nil {
				// The document may have been evicted between
				// unsubscribe and delivery.
				if errors.Is(err, domain.ErrDocumentNotFound) {
					slog.Debug("Dropping remote update for absent document", "session_id", msg.SessionID)
				} else {
					slog.Error("Failed to apply remote update", "session_id", msg.SessionID, "error", err)
				}
				return
			}
			hub.Broadcast(msg.SessionID, "", websocket.MessageBinary, msg.Payload)
		case bus.KindAwareness:
			cache.ApplyRemoteAwareness(msg.SessionID, msg.ClientID, msg.Payload)
			hub.BroadcastControl(msg.SessionID, "", wsMessage{
				Type:     "awareness",
				ClientID: msg.ClientID,
				Payload:  base64.StdEncoding.EncodeToString(msg.Payload),
			})
		default:
			slog.Warn("Dropping bus message of unknown kind", "kind", msg.Kind)
		}
	}
}
