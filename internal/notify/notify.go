// Package notify delivers incoming-call web push notifications to
// companion UIs that subscribed through the daemon's API.
package notify

import (
	"encoding/json"
	"log/slog"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/sitelink-io/sitelink/internal/call"
	"github.com/sitelink-io/sitelink/internal/models"
)

// VAPIDKeys identify this daemon to the push services.
type VAPIDKeys struct {
	Subject    string `json:"subject"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// SubscriptionStore is the slice of the local store the notifier needs.
type SubscriptionStore interface {
	PushSubscriptions() ([]models.PushSubscription, error)
	DeletePushSubscription(endpoint string) error
}

type Notifier struct {
	store  SubscriptionStore
	keys   VAPIDKeys
	logger *slog.Logger
}

func New(store SubscriptionStore, keys VAPIDKeys, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{store: store, keys: keys, logger: logger}
}

// NotifyIncomingCall pushes the ringing call to every subscriber.
// Failures are logged and never block the call path; subscriptions the
// push service reports gone are removed.
func (n *Notifier) NotifyIncomingCall(md call.Metadata) {
	subs, err := n.store.PushSubscriptions()
	if err != nil {
		n.logger.Error("cannot load push subscriptions", "error", err)
		return
	}
	if len(subs) == 0 {
		return
	}

	urgency := webpush.UrgencyNormal
	if md.Emergency {
		urgency = webpush.UrgencyHigh
	}

	payload, err := json.Marshal(map[string]any{
		"type":         "incoming-call",
		"call_id":      md.CallID,
		"channel_id":   md.ChannelID,
		"caller_name":  md.CallerName,
		"is_emergency": md.Emergency,
	})
	if err != nil {
		n.logger.Error("push payload marshal failed", "error", err)
		return
	}

	for _, sub := range subs {
		resp, err := webpush.SendNotification(payload, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.P256DH,
				Auth:   sub.Auth,
			},
		}, &webpush.Options{
			Subscriber:      n.keys.Subject,
			VAPIDPublicKey:  n.keys.PublicKey,
			VAPIDPrivateKey: n.keys.PrivateKey,
			TTL:             30,
			Urgency:         urgency,
		})
		if err != nil {
			n.logger.Warn("push delivery failed", "endpoint", sub.Endpoint, "error", err)
			continue
		}

		// 404/410 means the subscription is gone for good.
		if resp.StatusCode == 404 || resp.StatusCode == 410 {
			n.logger.Info("removing expired push subscription", "endpoint", sub.Endpoint)
			if err := n.store.DeletePushSubscription(sub.Endpoint); err != nil {
				n.logger.Error("cannot remove push subscription", "endpoint", sub.Endpoint, "error", err)
			}
		}
		resp.Body.Close()
	}
}
