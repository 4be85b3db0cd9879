package registry

import (
	"github.com/alwitt/subreg/common"
	"github.com/apex/log"
)

// EventSink observability channel for requests the registry dropped
type EventSink interface {
	// MalformedRequest called once per dropped request
	MalformedRequest(err *MalformedRequestError)
}

// LogEventSink reports dropped requests through the application log
type LogEventSink struct {
	common.Component
}

// GetLogEventSink define a new LogEventSink
func GetLogEventSink(instance string) *LogEventSink {
	return &LogEventSink{
		Component: common.Component{
			LogTags: log.Fields{
				"module": "registry", "component": "event-sink", "instance": instance,
			},
		},
	}
}

// MalformedRequest log the dropped request
func (s *LogEventSink) MalformedRequest(err *MalformedRequestError) {
	log.WithError(err).WithFields(s.LogTags).WithFields(log.Fields{
		"operation":       err.Operation,
		"session_id":      err.SessionID,
		"subscription_id": err.SubscriptionID,
		"destination":     err.Destination,
	}).Error("Ignoring subscription request")
}

// EventSinkFunc adapts a function into an EventSink
type EventSinkFunc func(err *MalformedRequestError)

// MalformedRequest calls f
func (f EventSinkFunc) MalformedRequest(err *MalformedRequestError) {
	f(err)
}
