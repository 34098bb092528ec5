package remote

import (
	"encoding/json"
	"fmt"
)

// Notification is the payload pushed to subscribers when a zone changes.
type Notification struct {
	SubscriptionID string `json:"subscriptionID"`
	Zone           ZoneID `json:"zone"`
}

// ParseNotification decodes a push payload.
func ParseNotification(payload []byte) (*Notification, error) {
	var n Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("failed to parse notification: %w", err)
	}
	if n.SubscriptionID == "" {
		return nil, fmt.Errorf("notification has no subscription id")
	}
	return &n, nil
}

// Encode returns the wire form of n.
func (n *Notification) Encode() []byte {
	data, _ := json.Marshal(n)
	return data
}

// MatchesSubscription reports whether payload is a notification for this
// session's subscription.
func (s *Session) MatchesSubscription(payload []byte) bool {
	n, err := ParseNotification(payload)
	if err != nil {
		return false
	}
	return n.SubscriptionID == s.config.SubscriptionID
}
