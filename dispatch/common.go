package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/subreg/common"
	"github.com/apex/log"
)

// Delivery one message delivered to one subscription of a session
type Delivery struct {
	// SessionID the receiving session
	SessionID string `json:"session_id"`
	// SubscriptionID the receiving subscription
	SubscriptionID string `json:"subscription_id"`
	// Destination where the message was sent
	Destination string `json:"destination"`
	// Subscribed the destination the subscription was registered with
	Subscribed string `json:"subscribed"`
	// Variables values of the subscribed pattern's named segments
	Variables map[string]string `json:"variables,omitempty"`
	// Headers the message headers
	Headers map[string]string `json:"headers,omitempty"`
	// Body the message payload
	Body []byte `json:"body,omitempty"`
	// ReceivedAt when the broker received the message
	ReceivedAt time.Time `json:"received_at"`
}

// String produce ASCII representation
func (d Delivery) String() string {
	return fmt.Sprintf("%s@%s<-%s", d.SubscriptionID, d.SessionID, d.Destination)
}

// Forwarder hands deliveries to a session's transport
type Forwarder interface {
	Forward(ctxt context.Context, delivery Delivery) error
}

// ForwarderFunc adapt a function into a Forwarder
type ForwarderFunc func(ctxt context.Context, delivery Delivery) error

// Forward implements Forwarder
func (f ForwarderFunc) Forward(ctxt context.Context, delivery Delivery) error {
	return f(ctxt, delivery)
}

// ========================================================================================

// ChannelForwarder forwards deliveries onto a channel, for in-process consumers
type ChannelForwarder struct {
	common.Component
	deliveries chan Delivery
}

// GetChannelForwarder define a ChannelForwarder with a buffered channel
func GetChannelForwarder(name string, bufferLen int) *ChannelForwarder {
	logTags := log.Fields{
		"module": "dispatch", "component": "channel-forwarder", "instance": name,
	}
	return &ChannelForwarder{
		Component:  common.Component{LogTags: logTags},
		deliveries: make(chan Delivery, bufferLen),
	}
}

// Deliveries the channel deliveries are placed on
func (f *ChannelForwarder) Deliveries() <-chan Delivery {
	return f.deliveries
}

// Forward implements Forwarder. Blocks while the channel is full.
func (f *ChannelForwarder) Forward(ctxt context.Context, delivery Delivery) error {
	select {
	case f.deliveries <- delivery:
		return nil
	case <-ctxt.Done():
		log.WithError(ctxt.Err()).WithFields(f.LogTags).Errorf("Unable to forward %s", delivery)
		return ctxt.Err()
	}
}
