package session

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/alwitt/subreg/common"
	"github.com/alwitt/subreg/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
)

// ClientSession entry detailing a connected client session
type ClientSession struct {
	SessionID      string    `json:"session_id" validate:"required"`
	ServingNode    string    `json:"serving_node" validate:"required"`
	StatusUpdateAt time.Time `json:"updated_at"`
	EstablishedAt  time.Time `json:"established_at"`
}

// ErrSessionNotActive a session level request referenced a session which is not connected
var ErrSessionNotActive = errors.New("client session is not active")

// SessionReleaser is told when a session is gone, so it can drop per-session resources
type SessionReleaser interface {
	DropSession(sessionID string)
}

// Manager tracks connected client sessions, and tears down the registry state
// of sessions which disconnect or go quiet.
type Manager interface {
	// LogClientSession record a newly connected client session
	LogClientSession(
		ctxt context.Context, sessionID string, node string, timestamp time.Time,
	) (ClientSession, error)
	// RefreshClientSession refresh an existing client session
	RefreshClientSession(
		ctxt context.Context, sessionID string, node string, timestamp time.Time,
	) error
	// AddSubscription register a subscription for a connected client session. Subscriptions
	// of sessions which are not connected are rejected with ErrSessionNotActive.
	AddSubscription(
		ctxt context.Context, sessionID, subscriptionID, destination string,
	) error
	// ClearClientSession clear a client session along with all of its subscriptions. An
	// empty node clears the session regardless of which node serves it.
	ClearClientSession(
		ctxt context.Context, sessionID string, node string, timestamp time.Time,
	) error
	// ClearInactiveSessions clear out sessions which have not been refreshed within the
	// max allowed inactive period. Returns the cleared session IDs.
	ClearInactiveSessions(
		ctxt context.Context, maxInactivePeriod time.Duration, timestamp time.Time,
	) ([]string, error)
	// ActiveSessions list the known client sessions
	ActiveSessions(ctxt context.Context) ([]ClientSession, error)
	// StartInactiveSweep periodically clear inactive sessions using the timer
	StartInactiveSweep(
		timer common.IntervalTimer, interval time.Duration, maxInactivePeriod time.Duration,
	) error
}

// ManagerParams parameters for defining a session Manager
type ManagerParams struct {
	// Instance name used in logs
	Instance string `validate:"required"`
	// Registry the subscription registry sessions are cleared from
	Registry registry.SubscriptionRegistry `validate:"required"`
	// Releasers notified whenever a session is cleared
	Releasers []SessionReleaser
	// TP the task processor the manager operates on
	TP common.TaskProcessor `validate:"required"`
}

// managerImpl implements Manager
type managerImpl struct {
	common.Component
	registry  registry.SubscriptionRegistry
	releasers []SessionReleaser
	tp        common.TaskProcessor
	sessions  map[string]ClientSession
}

// DefineSessionManager create new session manager
func DefineSessionManager(params ManagerParams) (Manager, error) {
	if err := validator.New().Struct(&params); err != nil {
		return nil, err
	}
	logTags := log.Fields{
		"module": "session", "component": "manager", "instance": params.Instance,
	}
	instance := managerImpl{
		Component: common.Component{LogTags: logTags},
		registry:  params.Registry,
		releasers: params.Releasers,
		tp:        params.TP,
		sessions:  make(map[string]ClientSession),
	}
	// Add handlers
	if err := params.TP.AddToTaskExecutionMap(
		reflect.TypeOf(sessLogClientReq{}), instance.processLogClientRequest,
	); err != nil {
		return nil, err
	}
	if err := params.TP.AddToTaskExecutionMap(
		reflect.TypeOf(sessRefreshClientReq{}), instance.processRefreshClientRequest,
	); err != nil {
		return nil, err
	}
	if err := params.TP.AddToTaskExecutionMap(
		reflect.TypeOf(sessAddSubscriptionReq{}), instance.processAddSubscriptionRequest,
	); err != nil {
		return nil, err
	}
	if err := params.TP.AddToTaskExecutionMap(
		reflect.TypeOf(sessClearClientReq{}), instance.processClearClientRequest,
	); err != nil {
		return nil, err
	}
	if err := params.TP.AddToTaskExecutionMap(
		reflect.TypeOf(sessClearInactiveReq{}), instance.processClearInactiveRequest,
	); err != nil {
		return nil, err
	}
	if err := params.TP.AddToTaskExecutionMap(
		reflect.TypeOf(sessListReq{}), instance.processListRequest,
	); err != nil {
		return nil, err
	}
	return &instance, nil
}

// submitAndWait submit a request to the task processor, and wait for the
// result callback to signal completion
func (m *managerImpl) submitAndWait(
	ctxt context.Context, request interface{}, complete chan bool, reqName string,
) error {
	if err := m.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Failed to submit %s request", reqName)
		return err
	}
	select {
	case <-complete:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	}
}

// teardown remove all registry state of a session
func (m *managerImpl) teardown(sessionID string) error {
	if err := m.registry.UnregisterAllSubscriptions(sessionID); err != nil {
		log.WithError(err).WithFields(m.SessionLogTags(sessionID)).Error(
			"Failed to unregister session subscriptions",
		)
		return err
	}
	for _, releaser := range m.releasers {
		releaser.DropSession(sessionID)
	}
	return nil
}

// ----------------------------------------------------------------------------------------

type sessLogClientReq struct {
	timestamp time.Time
	sessionID string
	nodeName  string
	resultCB  func(ClientSession, error)
}

// LogClientSession record a newly connected client session
func (m *managerImpl) LogClientSession(
	ctxt context.Context, sessionID string, node string, timestamp time.Time,
) (ClientSession, error) {
	complete := make(chan bool, 1)
	var sessionRecord ClientSession
	var processError error
	handler := func(record ClientSession, err error) {
		sessionRecord = record
		processError = err
		complete <- true
	}

	request := sessLogClientReq{
		timestamp: timestamp, sessionID: sessionID, nodeName: node, resultCB: handler,
	}
	if err := m.submitAndWait(ctxt, request, complete, "log-client-session"); err != nil {
		return ClientSession{}, err
	}
	return sessionRecord, processError
}

// processLogClientRequest support task processor, deal with log client request
func (m *managerImpl) processLogClientRequest(param interface{}) error {
	request, ok := param.(sessLogClientReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for log client session", reflect.TypeOf(param),
		)
	}
	record, err := m.ProcessLogClientRequest(request.sessionID, request.nodeName, request.timestamp)
	request.resultCB(record, err)
	return err
}

// ProcessLogClientRequest record a newly connected client session
func (m *managerImpl) ProcessLogClientRequest(
	sessionID string, node string, timestamp time.Time,
) (ClientSession, error) {
	if existing, ok := m.sessions[sessionID]; ok {
		return existing, fmt.Errorf("client session %s is already active", sessionID)
	}
	newRecord := ClientSession{
		SessionID:      sessionID,
		ServingNode:    node,
		StatusUpdateAt: timestamp,
		EstablishedAt:  timestamp,
	}
	if err := validator.New().Struct(&newRecord); err != nil {
		return ClientSession{}, err
	}
	m.sessions[sessionID] = newRecord
	log.WithFields(m.SessionLogTags(sessionID)).Infof(
		"Added client session with %s @ %s", node, timestamp.Format(time.RFC3339),
	)
	return newRecord, nil
}

// ----------------------------------------------------------------------------------------

type sessRefreshClientReq struct {
	timestamp time.Time
	sessionID string
	nodeName  string
	resultCB  func(error)
}

// RefreshClientSession refresh an existing client session
func (m *managerImpl) RefreshClientSession(
	ctxt context.Context, sessionID string, node string, timestamp time.Time,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := sessRefreshClientReq{
		timestamp: timestamp, sessionID: sessionID, nodeName: node, resultCB: handler,
	}
	if err := m.submitAndWait(ctxt, request, complete, "refresh-client-session"); err != nil {
		return err
	}
	return processError
}

// processRefreshClientRequest support task processor, deal with refresh client request
func (m *managerImpl) processRefreshClientRequest(param interface{}) error {
	request, ok := param.(sessRefreshClientReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for refresh client session", reflect.TypeOf(param),
		)
	}
	err := m.ProcessRefreshClientRequest(request.sessionID, request.nodeName, request.timestamp)
	request.resultCB(err)
	return nil
}

// ProcessRefreshClientRequest refresh an existing client session
func (m *managerImpl) ProcessRefreshClientRequest(
	sessionID string, node string, timestamp time.Time,
) error {
	existing, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("client session %s is not active", sessionID)
	}
	if existing.ServingNode != node {
		return fmt.Errorf(
			"client session %s is served by node %s, but refresh came from %s",
			sessionID,
			existing.ServingNode,
			node,
		)
	}
	existing.StatusUpdateAt = timestamp
	m.sessions[sessionID] = existing
	log.WithFields(m.SessionLogTags(sessionID)).Debugf(
		"Refreshed client session with %s @ %s", node, timestamp.Format(time.RFC3339),
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type sessAddSubscriptionReq struct {
	sessionID      string
	subscriptionID string
	destination    string
	resultCB       func(error)
}

// AddSubscription register a subscription for a connected client session
func (m *managerImpl) AddSubscription(
	ctxt context.Context, sessionID, subscriptionID, destination string,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := sessAddSubscriptionReq{
		sessionID:      sessionID,
		subscriptionID: subscriptionID,
		destination:    destination,
		resultCB:       handler,
	}
	if err := m.submitAndWait(ctxt, request, complete, "add-subscription"); err != nil {
		return err
	}
	return processError
}

// processAddSubscriptionRequest support task processor, deal with add subscription request
func (m *managerImpl) processAddSubscriptionRequest(param interface{}) error {
	request, ok := param.(sessAddSubscriptionReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for add subscription", reflect.TypeOf(param),
		)
	}
	err := m.ProcessAddSubscriptionRequest(
		request.sessionID, request.subscriptionID, request.destination,
	)
	request.resultCB(err)
	return nil
}

// ProcessAddSubscriptionRequest register a subscription for a connected client session.
//
// Runs on the same loop as session clears, so a subscription can not slip in after its
// session was torn down. Requests without a session ID go on to the registry, which
// reports them as malformed.
func (m *managerImpl) ProcessAddSubscriptionRequest(
	sessionID, subscriptionID, destination string,
) error {
	if sessionID != "" {
		if _, ok := m.sessions[sessionID]; !ok {
			log.WithFields(m.SessionLogTags(sessionID)).Warnf(
				"Rejecting subscription %s to %s of unknown session", subscriptionID, destination,
			)
			return fmt.Errorf("subscription %s of %s: %w", subscriptionID, sessionID, ErrSessionNotActive)
		}
	}
	return m.registry.RegisterSubscription(sessionID, subscriptionID, destination)
}

// ----------------------------------------------------------------------------------------

type sessClearClientReq struct {
	timestamp time.Time
	sessionID string
	node      string
	resultCB  func(error)
}

// ClearClientSession clear a client session along with all of its subscriptions
func (m *managerImpl) ClearClientSession(
	ctxt context.Context, sessionID string, node string, timestamp time.Time,
) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := sessClearClientReq{
		timestamp: timestamp, sessionID: sessionID, node: node, resultCB: handler,
	}
	if err := m.submitAndWait(ctxt, request, complete, "clear-client-session"); err != nil {
		return err
	}
	return processError
}

// processClearClientRequest support task processor, deal with clear client session request
func (m *managerImpl) processClearClientRequest(param interface{}) error {
	request, ok := param.(sessClearClientReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for clear client session", reflect.TypeOf(param),
		)
	}
	err := m.ProcessClearClientRequest(request.sessionID, request.node, request.timestamp)
	request.resultCB(err)
	return err
}

// ProcessClearClientRequest clear a client session along with all of its subscriptions.
//
// Sessions which were never logged still have their subscriptions removed. An empty
// node skips the serving node check.
func (m *managerImpl) ProcessClearClientRequest(
	sessionID string, node string, timestamp time.Time,
) error {
	if existing, ok := m.sessions[sessionID]; ok {
		if node != "" && existing.ServingNode != node {
			return fmt.Errorf(
				"client session %s is served by node %s, but clear came from %s",
				sessionID,
				existing.ServingNode,
				node,
			)
		}
		delete(m.sessions, sessionID)
	} else {
		log.WithFields(m.SessionLogTags(sessionID)).Debug("Clearing unlogged client session")
	}
	if err := m.teardown(sessionID); err != nil {
		return err
	}
	log.WithFields(m.SessionLogTags(sessionID)).Infof(
		"Cleared client session with %s @ %s", node, timestamp.Format(time.RFC3339),
	)
	return nil
}

// ----------------------------------------------------------------------------------------

type sessClearInactiveReq struct {
	timestamp   time.Time
	inactiveFor time.Duration
	resultCB    func([]string, error)
}

// ClearInactiveSessions clear out sessions which have not been refreshed within the
// max allowed inactive period.
func (m *managerImpl) ClearInactiveSessions(
	ctxt context.Context, maxInactivePeriod time.Duration, timestamp time.Time,
) ([]string, error) {
	complete := make(chan bool, 1)
	var cleared []string
	var processError error
	handler := func(sessions []string, err error) {
		cleared = sessions
		processError = err
		complete <- true
	}

	request := sessClearInactiveReq{
		timestamp: timestamp, inactiveFor: maxInactivePeriod, resultCB: handler,
	}
	if err := m.submitAndWait(ctxt, request, complete, "clear-inactive-sessions"); err != nil {
		return nil, err
	}
	return cleared, processError
}

func (m *managerImpl) processClearInactiveRequest(param interface{}) error {
	request, ok := param.(sessClearInactiveReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for clear inactive sessions", reflect.TypeOf(param),
		)
	}
	cleared, err := m.ProcessClearInactiveRequest(request.inactiveFor, request.timestamp)
	request.resultCB(cleared, err)
	return err
}

// ProcessClearInactiveRequest clear out sessions which have not been refreshed within the
// max allowed inactive period.
func (m *managerImpl) ProcessClearInactiveRequest(
	maxInactivePeriod time.Duration, timestamp time.Time,
) ([]string, error) {
	removeSessions := []string{}
	for sessionID, session := range m.sessions {
		timePassed := timestamp.Sub(session.StatusUpdateAt)
		if timePassed > maxInactivePeriod {
			removeSessions = append(removeSessions, sessionID)
			log.WithFields(m.SessionLogTags(sessionID)).Infof(
				"Client session last refreshed at %s. Timeout @ %s",
				session.StatusUpdateAt.Format(time.RFC3339),
				timePassed,
			)
		}
	}
	sort.Strings(removeSessions)

	var lastErr error
	for _, sessionID := range removeSessions {
		delete(m.sessions, sessionID)
		if err := m.teardown(sessionID); err != nil {
			lastErr = err
		}
	}
	if len(removeSessions) > 0 {
		log.WithFields(m.LogTags).Infof("Cleared inactive client sessions %v", removeSessions)
	}
	return removeSessions, lastErr
}

// ----------------------------------------------------------------------------------------

type sessListReq struct {
	resultCB func([]ClientSession)
}

// ActiveSessions list the known client sessions, ordered by session ID
func (m *managerImpl) ActiveSessions(ctxt context.Context) ([]ClientSession, error) {
	complete := make(chan bool, 1)
	var sessions []ClientSession
	handler := func(result []ClientSession) {
		sessions = result
		complete <- true
	}
	if err := m.submitAndWait(
		ctxt, sessListReq{resultCB: handler}, complete, "list-sessions",
	); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (m *managerImpl) processListRequest(param interface{}) error {
	request, ok := param.(sessListReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for list sessions", reflect.TypeOf(param),
		)
	}
	result := make([]ClientSession, 0, len(m.sessions))
	for _, session := range m.sessions {
		result = append(result, session)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SessionID < result[j].SessionID })
	request.resultCB(result)
	return nil
}

// ----------------------------------------------------------------------------------------

// StartInactiveSweep periodically clear inactive sessions using the timer
func (m *managerImpl) StartInactiveSweep(
	timer common.IntervalTimer, interval time.Duration, maxInactivePeriod time.Duration,
) error {
	log.WithFields(m.LogTags).Infof(
		"Sweeping sessions inactive for %s every %s", maxInactivePeriod, interval,
	)
	return timer.Start(interval, func() error {
		useContext, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		_, err := m.ClearInactiveSessions(useContext, maxInactivePeriod, time.Now())
		return err
	}, false)
}
