// Package notify delivers browser push notifications to users who have no
// live connection. Notifications are best-effort: every failure is logged and
// swallowed, never surfaced to the sender.
package notify

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"go.uber.org/zap"

	"tetatet/internal/models"
)

const notificationTTL = 60 * 60 // seconds

// SubscriptionStore persists browser push subscriptions keyed by user ID.
type SubscriptionStore interface {
	PushSubscription(userID string) ([]byte, error)
	DeletePushSubscription(userID string) error
}

type Config struct {
	// Subscriber is the contact address sent to the push service,
	// typically a mailto: URL.
	Subscriber      string
	VAPIDPublicKey  string
	VAPIDPrivateKey string
}

func (c Config) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

// notification is the payload handed to the service worker.
type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	From  string `json:"from"`
}

type WebPush struct {
	logger *zap.SugaredLogger
	store  SubscriptionStore
	cfg    Config

	// send is swapped out in tests.
	send func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

func NewWebPush(logger *zap.SugaredLogger, store SubscriptionStore, cfg Config) *WebPush {
	return &WebPush{
		logger: logger,
		store:  store,
		cfg:    cfg,
		send:   webpush.SendNotification,
	}
}

// Notify pushes a new-message notification to the user's browser, if a
// subscription is on file. A subscription the push service no longer accepts
// is removed.
func (w *WebPush) Notify(userID string, dto models.MessageDTO) {
	data, err := w.store.PushSubscription(userID)
	if err != nil {
		return
	}

	var sub webpush.Subscription
	if err := json.Unmarshal(data, &sub); err != nil {
		w.logger.Warnw("corrupt push subscription", "user_id", userID, "error", err)
		_ = w.store.DeletePushSubscription(userID)
		return
	}

	payload, err := json.Marshal(notification{
		Title: fmt.Sprintf("New message from %s", dto.SenderName),
		Body:  dto.Text,
		From:  dto.SenderID,
	})
	if err != nil {
		w.logger.Errorw("failed to marshal notification", "error", err)
		return
	}

	resp, err := w.send(payload, &sub, &webpush.Options{
		Subscriber:      w.cfg.Subscriber,
		VAPIDPublicKey:  w.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: w.cfg.VAPIDPrivateKey,
		TTL:             notificationTTL,
	})
	if err != nil {
		w.logger.Warnw("push notification failed", "user_id", userID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		// The subscription expired or was revoked.
		if err := w.store.DeletePushSubscription(userID); err != nil {
			w.logger.Warnw("failed to drop stale subscription", "user_id", userID, "error", err)
		}
	}
}
