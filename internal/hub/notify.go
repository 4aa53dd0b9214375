package hub

import (
	"context"
	"encoding/json"

	"github.com/swarmctl/swarmctl/internal/envelope"
)

// notificationPayload is the content of a registration/unregistration
// broadcast on the notification channel, per §4.1.
type notificationPayload struct {
	Type            string `json:"type"` // "registration" or "unregistration"
	EngineID        string `json:"engine_id"`
	RoutingIdentity string `json:"routing_identity"`
}

// broadcastRegistration and broadcastUnregistration publish to every
// identity currently subscribed on the notification channel. Delivery is
// best-effort: a subscriber that's momentarily unreachable simply misses
// the event, generalized from the teacher's notifier.SendOrQueue pattern
// but without the persistent retry queue — nothing in this system's data
// model requires notification delivery to survive a missed connection,
// unlike the teacher's worker deregistration flow.
func (h *Hub) broadcastRegistration(ctx context.Context, engineID, identity string) {
	h.broadcastNotification(ctx, notificationPayload{Type: "registration", EngineID: engineID, RoutingIdentity: identity})
}

func (h *Hub) broadcastUnregistration(ctx context.Context, engineID, identity string) {
	h.broadcastNotification(ctx, notificationPayload{Type: "unregistration", EngineID: engineID, RoutingIdentity: identity})
}

func (h *Hub) broadcastNotification(ctx context.Context, payload notificationPayload) {
	if h.sender == nil {
		return
	}
	content, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("hub: marshal notification", "error", err)
		return
	}
	env := &envelope.Envelope{
		Header:  envelope.NewHeader(h.newID(), "notification", "", "hub"),
		Content: content,
	}
	frames, err := h.codec.Encode(env)
	if err != nil {
		h.log.Error("hub: encode notification", "error", err)
		return
	}
	for _, identity := range h.sender.Identities("notification") {
		if err := h.sender.SendTo(ctx, "notification", identity, frames); err != nil {
			h.log.Warn("hub: notification delivery failed", "identity", identity, "error", err)
		}
	}
}
