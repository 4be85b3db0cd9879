package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedRequest a registry request is missing a required identifier, or carries an
// unusable destination pattern
var ErrMalformedRequest = errors.New("malformed subscription request")

// Operation names used when reporting malformed requests
const (
	OpRegister      = "register"
	OpUnregister    = "unregister"
	OpUnregisterAll = "unregister-all"
)

// MalformedRequestError details why a request was dropped
type MalformedRequestError struct {
	// Operation the registry operation which dropped the request
	Operation string
	// SessionID as provided by the caller
	SessionID string
	// SubscriptionID as provided by the caller
	SubscriptionID string
	// Destination as provided by the caller
	Destination string
	// Missing names of the required fields which were empty
	Missing []string
	// Cause of rejecting an otherwise complete request
	Cause error
}

// Error implements error
func (e *MalformedRequestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s dropped: %s", ErrMalformedRequest, e.Operation, e.Cause)
	}
	return fmt.Sprintf(
		"%s: %s dropped, missing %s", ErrMalformedRequest, e.Operation, strings.Join(e.Missing, ", "),
	)
}

// Is allows errors.Is(err, ErrMalformedRequest)
func (e *MalformedRequestError) Is(target error) bool {
	return target == ErrMalformedRequest
}

// Unwrap return the cause if any
func (e *MalformedRequestError) Unwrap() error {
	return e.Cause
}

// checkRequired build a MalformedRequestError listing the empty fields, or nil
func checkRequired(
	operation, sessionID, subscriptionID, destination string, needSubID, needDest bool,
) *MalformedRequestError {
	missing := []string{}
	if sessionID == "" {
		missing = append(missing, "sessionId")
	}
	if needSubID && subscriptionID == "" {
		missing = append(missing, "subscriptionId")
	}
	if needDest && destination == "" {
		missing = append(missing, "destination")
	}
	if len(missing) == 0 {
		return nil
	}
	return &MalformedRequestError{
		Operation:      operation,
		SessionID:      sessionID,
		SubscriptionID: subscriptionID,
		Destination:    destination,
		Missing:        missing,
	}
}
