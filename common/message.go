package common

import (
	"fmt"
	"time"
)

// MessageType broker frame type
type MessageType string

// Broker frame types
const (
	MessageTypeConnect     MessageType = "CONNECT"
	MessageTypeHeartbeat   MessageType = "HEARTBEAT"
	MessageTypeSubscribe   MessageType = "SUBSCRIBE"
	MessageTypeUnsubscribe MessageType = "UNSUBSCRIBE"
	MessageTypeMessage     MessageType = "MESSAGE"
	MessageTypeDisconnect  MessageType = "DISCONNECT"
)

// Message one broker frame, as received from a client session
type Message struct {
	// Type frame type
	Type MessageType `json:"type" validate:"required,oneof=CONNECT HEARTBEAT SUBSCRIBE UNSUBSCRIBE MESSAGE DISCONNECT"`
	// SessionID the client session which sent the frame
	SessionID string `json:"session_id,omitempty"`
	// SubscriptionID client assigned subscription ID, for SUBSCRIBE and UNSUBSCRIBE
	SubscriptionID string `json:"subscription_id,omitempty"`
	// Destination for SUBSCRIBE and MESSAGE
	Destination string `json:"destination,omitempty"`
	// Node the broker node serving the session, for CONNECT
	Node string `json:"node,omitempty"`
	// Headers any additional frame headers
	Headers map[string]string `json:"headers,omitempty"`
	// Body message payload
	Body []byte `json:"body,omitempty"`
	// ReceivedAt when the broker received the frame
	ReceivedAt time.Time `json:"received_at"`
}

// String toString function
func (m Message) String() string {
	return fmt.Sprintf(
		"%s[session=%s subscription=%s destination=%s]",
		m.Type,
		m.SessionID,
		m.SubscriptionID,
		m.Destination,
	)
}
