package router

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/subreg/common"
	"github.com/alwitt/subreg/dispatch"
	"github.com/alwitt/subreg/registry"
	"github.com/alwitt/subreg/session"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// InboundRouter routes frames received from client sessions to the component owning them
type InboundRouter interface {
	// Route process one inbound frame
	Route(ctxt context.Context, msg common.Message) error
}

// RouterParams parameters for defining an InboundRouter
type RouterParams struct {
	// Instance name used in logs
	Instance string `validate:"required"`
	// Registry the subscription registry
	Registry registry.SubscriptionRegistry `validate:"required"`
	// Sessions the session lifecycle manager
	Sessions session.Manager `validate:"required"`
	// Dispatcher the message dispatcher
	Dispatcher dispatch.Dispatcher `validate:"required"`
}

// sessionFrame CONNECT and HEARTBEAT frame requirements
type sessionFrame struct {
	SessionID string `validate:"required"`
	Node      string `validate:"required"`
}

// disconnectFrame DISCONNECT frame requirements. Without a node the session is cleared
// whichever node serves it.
type disconnectFrame struct {
	SessionID string `validate:"required"`
}

// publishFrame MESSAGE frame requirements
type publishFrame struct {
	Destination string `validate:"required"`
}

// inboundRouterImpl implements InboundRouter
type inboundRouterImpl struct {
	common.Component
	registry   registry.SubscriptionRegistry
	sessions   session.Manager
	dispatcher dispatch.Dispatcher
	validate   *validator.Validate
}

// DefineInboundRouter define a new InboundRouter
func DefineInboundRouter(params RouterParams) (InboundRouter, error) {
	validate := validator.New()
	if err := validate.Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "router", "component": "inbound-router", "instance": params.Instance,
	}
	return &inboundRouterImpl{
		Component:  common.Component{LogTags: logTags},
		registry:   params.Registry,
		sessions:   params.Sessions,
		dispatcher: params.Dispatcher,
		validate:   validate,
	}, nil
}

// Route process one inbound frame
func (r *inboundRouterImpl) Route(ctxt context.Context, msg common.Message) error {
	if err := r.validate.Struct(&msg); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf("Invalid frame %s", msg)
		return err
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}
	log.WithFields(r.LogTags).Debugf("Routing %s", msg)

	switch msg.Type {
	case common.MessageTypeConnect:
		if err := r.validate.Struct(&sessionFrame{SessionID: msg.SessionID, Node: msg.Node}); err != nil {
			return err
		}
		_, err := r.sessions.LogClientSession(ctxt, msg.SessionID, msg.Node, msg.ReceivedAt)
		return err

	case common.MessageTypeHeartbeat:
		if err := r.validate.Struct(&sessionFrame{SessionID: msg.SessionID, Node: msg.Node}); err != nil {
			return err
		}
		return r.sessions.RefreshClientSession(ctxt, msg.SessionID, msg.Node, msg.ReceivedAt)

	case common.MessageTypeSubscribe:
		// The registry reports malformed subscribes itself
		return r.sessions.AddSubscription(ctxt, msg.SessionID, msg.SubscriptionID, msg.Destination)

	case common.MessageTypeUnsubscribe:
		return r.registry.UnregisterSubscription(msg.SessionID, msg.SubscriptionID)

	case common.MessageTypeDisconnect:
		if err := r.validate.Struct(&disconnectFrame{SessionID: msg.SessionID}); err != nil {
			return err
		}
		return r.sessions.ClearClientSession(ctxt, msg.SessionID, msg.Node, msg.ReceivedAt)

	case common.MessageTypeMessage:
		if err := r.validate.Struct(&publishFrame{Destination: msg.Destination}); err != nil {
			return err
		}
		count, err := r.dispatcher.Dispatch(ctxt, msg)
		log.WithFields(r.LogTags).Debugf("Delivered %s to %d subscriptions", msg, count)
		return err
	}
	return fmt.Errorf("unsupported frame type %s", msg.Type)
}
