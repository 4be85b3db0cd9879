// Copyright 2026 The subreg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataplane

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/alwitt/subreg/common"
	"github.com/alwitt/subreg/core"
	"github.com/alwitt/subreg/dispatch"
	"github.com/alwitt/subreg/router"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// InboundSubject subject client frames are published to
func InboundSubject(prefix string) string {
	return fmt.Sprintf("%s.inbound", prefix)
}

// subjectTokenEscaper percent-encodes characters which are not allowed inside a single
// NATS subject token
var subjectTokenEscaper = strings.NewReplacer(
	"%", "%25",
	".", "%2E",
	"*", "%2A",
	">", "%3E",
	" ", "%20",
	"\t", "%09",
	"\r", "%0D",
	"\n", "%0A",
)

// SessionSubject subject deliveries for a session are published to. The session ID
// always occupies exactly one subject token.
func SessionSubject(prefix, sessionID string) string {
	return fmt.Sprintf("%s.session.%s", prefix, subjectTokenEscaper.Replace(sessionID))
}

func msgToString(msg *nats.Msg) string {
	return fmt.Sprintf("%s[%d bytes]", msg.Subject, len(msg.Data))
}

// AlertOnErrorCB callback used to expose internal error to an outer context for handling
type AlertOnErrorCB func(err error)

// NATSInboundBridge reads client frames off NATS, and hands them to the inbound router
type NATSInboundBridge interface {
	// StartReading begin reading frames
	StartReading(errorCB AlertOnErrorCB, wg *sync.WaitGroup) error
}

// natsInboundBridgeImpl implements NATSInboundBridge
type natsInboundBridgeImpl struct {
	common.Component
	router  router.InboundRouter
	sub     *nats.Subscription
	reading bool
	lock    sync.Mutex
	ctxt    context.Context
}

// InboundBridgeParams parameters for defining a NATSInboundBridge
type InboundBridgeParams struct {
	// Client the NATS client to read with
	Client *core.NatsClient `validate:"required"`
	// Router the router to hand frames to
	Router router.InboundRouter `validate:"required"`
	// SubjectPrefix prefix of the subjects used
	SubjectPrefix string `validate:"required"`
	// QueueGroup inbound frames are shared among bridges in the same queue group
	QueueGroup string `validate:"required"`
}

// DefineNATSInboundBridge define new NATSInboundBridge. The bridge stops reading
// once ctxt ends.
func DefineNATSInboundBridge(
	ctxt context.Context, params InboundBridgeParams,
) (NATSInboundBridge, error) {
	subject := InboundSubject(params.SubjectPrefix)
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "nats-inbound-bridge",
		"subject":   subject,
		"group":     params.QueueGroup,
	}
	if err := validator.New().Struct(&params); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define inbound bridge")
		return nil, err
	}
	sub, err := params.Client.Conn().QueueSubscribeSync(subject, params.QueueGroup)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription")
		return nil, err
	}
	return &natsInboundBridgeImpl{
		Component: common.Component{LogTags: logTags},
		router:    params.Router,
		sub:       sub,
		ctxt:      ctxt,
	}, nil
}

// StartReading begin reading frames
func (r *natsInboundBridgeImpl) StartReading(errorCB AlertOnErrorCB, wg *sync.WaitGroup) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.reading {
		err := fmt.Errorf("already reading")
		log.WithError(err).WithFields(r.LogTags).Error("Unable to start reading")
		return err
	}
	r.reading = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.WithFields(r.LogTags).Infof("Starting reading from NATS")
		defer log.WithFields(r.LogTags).Infof("Stopping NATS read loop")
		defer func() {
			if err := r.sub.Unsubscribe(); err != nil {
				log.WithError(err).WithFields(r.LogTags).Error("Unsubscribe failed")
			}
		}()
		for {
			newMsg, err := r.sub.NextMsgWithContext(r.ctxt)
			if err != nil {
				if r.ctxt.Err() == nil {
					log.WithError(err).WithFields(r.LogTags).Errorf("Read failure")
					errorCB(err)
				}
				return
			}
			if newMsg == nil {
				continue
			}
			log.WithFields(r.LogTags).Debugf("Received %s", msgToString(newMsg))
			var frame common.Message
			if err := json.Unmarshal(newMsg.Data, &frame); err != nil {
				// Undecodable frames are dropped
				log.WithError(err).WithFields(r.LogTags).Errorf(
					"Unable to decode %s", msgToString(newMsg),
				)
				continue
			}
			if err := r.router.Route(r.ctxt, frame); err != nil {
				log.WithError(err).WithFields(r.LogTags).Errorf("Unable to route %s", frame)
			}
		}
	}()
	return nil
}

// ==============================================================================

// NATSSessionForwarder publishes deliveries on each session's NATS subject
type NATSSessionForwarder struct {
	common.Component
	client        *core.NatsClient
	subjectPrefix string
}

// GetNATSSessionForwarder define new NATSSessionForwarder
func GetNATSSessionForwarder(
	client *core.NatsClient, subjectPrefix string, instance string,
) (*NATSSessionForwarder, error) {
	if client == nil || subjectPrefix == "" {
		return nil, fmt.Errorf("session forwarder requires a NATS client and subject prefix")
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-session-forwarder", "instance": instance,
	}
	return &NATSSessionForwarder{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		subjectPrefix: subjectPrefix,
	}, nil
}

// Forward implements dispatch.Forwarder
func (f *NATSSessionForwarder) Forward(ctxt context.Context, delivery dispatch.Delivery) error {
	if err := ctxt.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(&delivery)
	if err != nil {
		log.WithError(err).WithFields(f.LogTags).Errorf("Unable to encode %s", delivery)
		return err
	}
	subject := SessionSubject(f.subjectPrefix, delivery.SessionID)
	if err := f.client.Conn().Publish(subject, payload); err != nil {
		log.WithError(err).WithFields(f.SessionLogTags(delivery.SessionID)).Errorf(
			"Unable to publish %s", delivery,
		)
		return err
	}
	log.WithFields(f.SessionLogTags(delivery.SessionID)).Debugf("Published %s", delivery)
	return nil
}
