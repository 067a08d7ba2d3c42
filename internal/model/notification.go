package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// NotificationPayload is the wire format of one SSE notification. Timestamp
// is UTC milliseconds since epoch, stamped at publish time.
type NotificationPayload struct {
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Data      map[string]any   `json:"data,omitempty"`
	Timestamp int64            `json:"timestamp"`
}

// Hidden reports whether the payload carries data.hidden=true, meaning the
// UI must not render it in the notification list (it still delivers).
func (n NotificationPayload) Hidden() bool {
	if n.Data == nil {
		return false
	}
	v, ok := n.Data["hidden"].(bool)
	return ok && v
}

// DedupKey returns the stable (timestamp, type, data-hash) tuple clients use
// to deduplicate at-least-once deliveries.
func (n NotificationPayload) DedupKey() string {
	h := sha256.New()
	if n.Data != nil {
		b, err := json.Marshal(n.Data)
		if err == nil {
			h.Write(b)
		}
	}
	return fmt.Sprintf("%d:%s:%s", n.Timestamp, n.Type, hex.EncodeToString(h.Sum(nil))[:16])
}

// QueuedNotificationPrefix is the KV key prefix for offline-queued
// notifications inside a user's hub namespace.
const QueuedNotificationPrefix = "queued_notification:"

// QueuedNotificationKey builds the KV key for a queued notification. Keys
// embed the millisecond timestamp first so a prefix scan yields ascending
// publish order.
func QueuedNotificationKey(timestampMs int64, id string) string {
	return fmt.Sprintf("%s%013d:%s", QueuedNotificationPrefix, timestampMs, id)
}
