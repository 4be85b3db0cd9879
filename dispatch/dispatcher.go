package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/alwitt/subreg/common"
	"github.com/alwitt/subreg/matcher"
	"github.com/alwitt/subreg/registry"
	"github.com/apex/log"
	"go.uber.org/multierr"
)

// Dispatcher fans a published message out to every matching subscription
type Dispatcher interface {
	// RegisterSessionForwarder set the forwarder deliveries for a session are handed to
	RegisterSessionForwarder(sessionID string, forwarder Forwarder) error
	// DropSession forget a session's forwarder
	DropSession(sessionID string)
	// Dispatch deliver a message to every matching subscription. Returns the number of
	// deliveries handed to a forwarder.
	Dispatch(ctxt context.Context, msg common.Message) (int, error)
}

// variableExtractor implemented by matchers which can read a pattern's named segments
type variableExtractor interface {
	ExtractVariables(pattern, destination string) (map[string]string, bool)
}

// DispatcherParams parameters for defining a Dispatcher
type DispatcherParams struct {
	// Instance name used in logs
	Instance string
	// Registry the subscription registry to resolve destinations with
	Registry registry.SubscriptionRegistry
	// Matcher the registry's matcher, used when none is given. When it supports variable
	// extraction, deliveries carry the subscribed pattern's variables.
	Matcher matcher.Matcher
	// Fallback forwarder used for sessions without a registered forwarder. Optional.
	Fallback Forwarder
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	registry   registry.SubscriptionRegistry
	matcher    matcher.Matcher
	extractor  variableExtractor
	fallback   Forwarder
	lock       sync.RWMutex
	forwarders map[string]Forwarder
}

// DefineDispatcher define a new Dispatcher
func DefineDispatcher(params DispatcherParams) (Dispatcher, error) {
	if params.Registry == nil {
		return nil, fmt.Errorf("dispatcher requires a subscription registry")
	}
	logTags := log.Fields{
		"module": "dispatch", "component": "dispatcher", "instance": params.Instance,
	}
	useMatcher := params.Matcher
	if useMatcher == nil {
		useMatcher = params.Registry.Matcher()
	}
	instance := &dispatcherImpl{
		Component:  common.Component{LogTags: logTags},
		registry:   params.Registry,
		matcher:    useMatcher,
		fallback:   params.Fallback,
		forwarders: make(map[string]Forwarder),
	}
	if extractor, ok := useMatcher.(variableExtractor); ok {
		instance.extractor = extractor
	}
	return instance, nil
}

// RegisterSessionForwarder set the forwarder deliveries for a session are handed to
func (d *dispatcherImpl) RegisterSessionForwarder(sessionID string, forwarder Forwarder) error {
	if sessionID == "" || forwarder == nil {
		return fmt.Errorf("session forwarder requires a session ID and forwarder")
	}
	d.lock.Lock()
	defer d.lock.Unlock()
	d.forwarders[sessionID] = forwarder
	log.WithFields(d.SessionLogTags(sessionID)).Debug("Registered session forwarder")
	return nil
}

// DropSession forget a session's forwarder
func (d *dispatcherImpl) DropSession(sessionID string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if _, ok := d.forwarders[sessionID]; ok {
		delete(d.forwarders, sessionID)
		log.WithFields(d.SessionLogTags(sessionID)).Debug("Dropped session forwarder")
	}
}

func (d *dispatcherImpl) forwarderFor(sessionID string) Forwarder {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if forwarder, ok := d.forwarders[sessionID]; ok {
		return forwarder
	}
	return d.fallback
}

// Dispatch deliver a message to every matching subscription
func (d *dispatcherImpl) Dispatch(ctxt context.Context, msg common.Message) (int, error) {
	if msg.Destination == "" {
		return 0, fmt.Errorf("message %s has no destination", msg)
	}
	matched := d.registry.FindSubscriptions(msg.Destination)
	if matched.Len() == 0 {
		log.WithFields(d.LogTags).Debugf("No subscriptions for %s", msg.Destination)
		return 0, nil
	}

	delivered := 0
	var dispatchErr error
	for _, sessionID := range matched.Sessions() {
		forwarder := d.forwarderFor(sessionID)
		if forwarder == nil {
			log.WithFields(d.SessionLogTags(sessionID)).Warnf(
				"No forwarder for session. Dropping %s", msg,
			)
			continue
		}
		for _, subscriptionID := range matched[sessionID] {
			delivery, ok := d.buildDelivery(sessionID, subscriptionID, msg)
			if !ok {
				log.WithFields(d.SessionLogTags(sessionID)).Debugf(
					"Subscription %s no longer matches %s", subscriptionID, msg.Destination,
				)
				continue
			}
			if err := forwarder.Forward(ctxt, delivery); err != nil {
				log.WithError(err).WithFields(d.SessionLogTags(sessionID)).Errorf(
					"Failed to forward %s", delivery,
				)
				dispatchErr = multierr.Append(dispatchErr, err)
				continue
			}
			delivered++
		}
	}
	return delivered, dispatchErr
}

// buildDelivery the delivery of msg for one subscription. Returns false when the
// subscription was moved to a destination msg no longer matches after the lookup.
func (d *dispatcherImpl) buildDelivery(
	sessionID, subscriptionID string, msg common.Message,
) (Delivery, bool) {
	delivery := Delivery{
		SessionID:      sessionID,
		SubscriptionID: subscriptionID,
		Destination:    msg.Destination,
		Headers:        msg.Headers,
		Body:           msg.Body,
		ReceivedAt:     msg.ReceivedAt,
	}
	// The subscription may have been removed since the lookup
	subscribed, ok := d.registry.SubscriptionDestination(sessionID, subscriptionID)
	if !ok {
		return delivery, true
	}
	if !d.matcher.Match(subscribed, msg.Destination) {
		return delivery, false
	}
	delivery.Subscribed = subscribed
	if d.extractor != nil {
		if vars, ok := d.extractor.ExtractVariables(subscribed, msg.Destination); ok && len(vars) > 0 {
			delivery.Variables = vars
		}
	}
	return delivery, true
}
