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

package apis

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/subreg/common"
	"github.com/alwitt/subreg/registry"
	"github.com/alwitt/subreg/session"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// ReadinessCheck reports whether the server's dependencies are usable
type ReadinessCheck func() error

// APIRestRegistryHandler REST handler for the subscription registry
type APIRestRegistryHandler struct {
	goutils.RestAPIHandler
	registry registry.SubscriptionRegistry
	sessions session.Manager
	ready    ReadinessCheck
}

// GetAPIRestRegistryHandler define APIRestRegistryHandler. sessions and ready are optional.
func GetAPIRestRegistryHandler(
	reg registry.SubscriptionRegistry,
	sessions session.Manager,
	ready ReadinessCheck,
	httpConfig *common.HTTPConfig,
) (APIRestRegistryHandler, error) {
	if reg == nil || httpConfig == nil {
		return APIRestRegistryHandler{}, fmt.Errorf("registry handler requires registry and HTTP config")
	}
	logTags := log.Fields{
		"module":    "apis",
		"component": "subscription-registry",
	}
	return APIRestRegistryHandler{
		RestAPIHandler: defineRestAPIHandler(logTags, httpConfig),
		registry:       reg,
		sessions:       sessions,
		ready:          ready,
	}, nil
}

// Write logging support
func (h APIRestRegistryHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// writeResponse write the response, logging any failure
func (h APIRestRegistryHandler) writeResponse(
	w http.ResponseWriter, r *http.Request, respCode int, respBody interface{},
) {
	if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
		log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(
			"Failed to form response",
		)
	}
}

// registryErrorCode map registry errors to response codes
func registryErrorCode(err error) int {
	if errors.Is(err, registry.ErrMalformedRequest) {
		return http.StatusBadRequest
	}
	if errors.Is(err, session.ErrSessionNotActive) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// =======================================================================
// Subscription management

// APIRestReqSubscribe request body for registering a subscription
type APIRestReqSubscribe struct {
	// Destination the destination or destination pattern to subscribe to
	Destination string `json:"destination"`
}

// RegisterSubscription godoc
// @Summary Register a subscription
// @Description Record that a session is subscribed to a destination. Re-registering
// replaces the subscription's destination. When sessions are tracked, the session must
// be connected.
// @tags Registry
// @Accept json
// @Produce json
// @Param Subreg-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Session ID"
// @Param subscriptionID path string true "Subscription ID"
// @Param subscription body APIRestReqSubscribe true "Subscription destination"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/{sessionID}/subscription/{subscriptionID} [post]
func (h APIRestRegistryHandler) RegisterSubscription(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		h.writeResponse(w, r, respCode, respBody)
	}()

	vars := mux.Vars(r)
	sessionID := vars["sessionID"]
	subscriptionID := vars["subscriptionID"]

	var params APIRestReqSubscribe
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	var err error
	if h.sessions != nil {
		err = h.sessions.AddSubscription(r.Context(), sessionID, subscriptionID, params.Destination)
	} else {
		err = h.registry.RegisterSubscription(sessionID, subscriptionID, params.Destination)
	}
	if err != nil {
		msg := "Failed to register subscription"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode = registryErrorCode(err)
		respBody = h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// RegisterSubscriptionHandler Wrapper around RegisterSubscription
func (h APIRestRegistryHandler) RegisterSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.RegisterSubscription(w, r)
	}
}

// -----------------------------------------------------------------------

// UnregisterSubscription godoc
// @Summary Unregister a subscription
// @Description Remove one subscription of a session. Unknown subscriptions are ignored.
// @tags Registry
// @Produce json
// @Param Subreg-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Session ID"
// @Param subscriptionID path string true "Subscription ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/{sessionID}/subscription/{subscriptionID} [delete]
func (h APIRestRegistryHandler) UnregisterSubscription(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	vars := mux.Vars(r)
	if err := h.registry.UnregisterSubscription(
		vars["sessionID"], vars["subscriptionID"],
	); err != nil {
		msg := "Failed to unregister subscription"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode := registryErrorCode(err)
		h.writeResponse(w, r, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error()))
		return
	}
	h.writeResponse(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// UnregisterSubscriptionHandler Wrapper around UnregisterSubscription
func (h APIRestRegistryHandler) UnregisterSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UnregisterSubscription(w, r)
	}
}

// =======================================================================
// Session queries

// APIRestRespSessionSubscriptions response listing a session's subscriptions
type APIRestRespSessionSubscriptions struct {
	goutils.RestAPIBaseResponse
	// Subscriptions subscription ID -> destination
	Subscriptions map[string]string `json:"subscriptions"`
}

// GetSessionSubscriptions godoc
// @Summary List a session's subscriptions
// @Description List every subscription of one session
// @tags Registry
// @Produce json
// @Param Subreg-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Session ID"
// @Success 200 {object} APIRestRespSessionSubscriptions "success"
// @Router /v1/session/{sessionID} [get]
func (h APIRestRegistryHandler) GetSessionSubscriptions(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionID"]
	resp := APIRestRespSessionSubscriptions{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Subscriptions: h.registry.SessionSubscriptions(sessionID),
	}
	h.writeResponse(w, r, http.StatusOK, resp)
}

// GetSessionSubscriptionsHandler Wrapper around GetSessionSubscriptions
func (h APIRestRegistryHandler) GetSessionSubscriptionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSessionSubscriptions(w, r)
	}
}

// -----------------------------------------------------------------------

// UnregisterSession godoc
// @Summary Unregister all subscriptions of a session
// @Description Remove every subscription of one session. When sessions are tracked, the
// session itself is cleared as well.
// @tags Registry
// @Produce json
// @Param Subreg-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Session ID"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/{sessionID} [delete]
func (h APIRestRegistryHandler) UnregisterSession(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	sessionID := mux.Vars(r)["sessionID"]
	var err error
	if h.sessions != nil {
		err = h.sessions.ClearClientSession(r.Context(), sessionID, "", time.Now())
	} else {
		err = h.registry.UnregisterAllSubscriptions(sessionID)
	}
	if err != nil {
		msg := "Failed to unregister session"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode := registryErrorCode(err)
		h.writeResponse(w, r, respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error()))
		return
	}
	h.writeResponse(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// UnregisterSessionHandler Wrapper around UnregisterSession
func (h APIRestRegistryHandler) UnregisterSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.UnregisterSession(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespActiveSessions response listing connected client sessions
type APIRestRespActiveSessions struct {
	goutils.RestAPIBaseResponse
	// Sessions the connected client sessions
	Sessions []session.ClientSession `json:"sessions"`
}

// GetActiveSessions godoc
// @Summary List connected sessions
// @Description List the client sessions known to the session manager
// @tags Registry
// @Produce json
// @Param Subreg-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespActiveSessions "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session [get]
func (h APIRestRegistryHandler) GetActiveSessions(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if h.sessions == nil {
		msg := "Session tracking not enabled"
		h.writeResponse(w, r, http.StatusInternalServerError, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, msg,
		))
		return
	}
	sessions, err := h.sessions.ActiveSessions(r.Context())
	if err != nil {
		msg := "Unable to list sessions"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		h.writeResponse(w, r, http.StatusInternalServerError, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		))
		return
	}
	resp := APIRestRespActiveSessions{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Sessions: sessions,
	}
	h.writeResponse(w, r, http.StatusOK, resp)
}

// GetActiveSessionsHandler Wrapper around GetActiveSessions
func (h APIRestRegistryHandler) GetActiveSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetActiveSessions(w, r)
	}
}

// =======================================================================
// Destination lookup

// APIRestRespDestinationSubscriptions response for a destination lookup
type APIRestRespDestinationSubscriptions struct {
	goutils.RestAPIBaseResponse
	// Subscriptions session ID -> IDs of its subscriptions matching the destination
	Subscriptions registry.SubscriptionMap `json:"subscriptions"`
}

// FindSubscriptions godoc
// @Summary Resolve a destination
// @Description List the subscriptions a message sent to the destination would reach
// @tags Registry
// @Produce json
// @Param Subreg-Request-ID header string false "User provided request ID to match against logs"
// @Param path query string true "Destination"
// @Success 200 {object} APIRestRespDestinationSubscriptions "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/destination [get]
func (h APIRestRegistryHandler) FindSubscriptions(w http.ResponseWriter, r *http.Request) {
	destination := r.URL.Query().Get("path")
	if destination == "" {
		msg := "No destination provided"
		log.WithFields(h.GetLogTagsForContext(r.Context())).Error(msg)
		h.writeResponse(w, r, http.StatusBadRequest, h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, msg, msg,
		))
		return
	}
	resp := APIRestRespDestinationSubscriptions{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Subscriptions: h.registry.FindSubscriptions(destination),
	}
	h.writeResponse(w, r, http.StatusOK, resp)
}

// FindSubscriptionsHandler Wrapper around FindSubscriptions
func (h APIRestRegistryHandler) FindSubscriptionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.FindSubscriptions(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespRegistryStats response for registry statistics
type APIRestRespRegistryStats struct {
	goutils.RestAPIBaseResponse
	// Stats the registry statistics
	Stats registry.RegistryStats `json:"stats"`
}

// GetStats godoc
// @Summary Registry statistics
// @Description Current subscription registry statistics
// @tags Registry
// @Produce json
// @Success 200 {object} APIRestRespRegistryStats "success"
// @Router /v1/stats [get]
func (h APIRestRegistryHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	resp := APIRestRespRegistryStats{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Stats: h.registry.Stats(),
	}
	h.writeResponse(w, r, http.StatusOK, resp)
}

// GetStatsHandler Wrapper around GetStats
func (h APIRestRegistryHandler) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetStats(w, r)
	}
}

// =======================================================================
// Health

// Alive godoc
// @Summary For REST API liveness check
// @Description Will return success to indicate REST API module is live
// @tags Registry
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Router /v1/alive [get]
func (h APIRestRegistryHandler) Alive(w http.ResponseWriter, r *http.Request) {
	h.writeResponse(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// AliveHandler Wrapper around Alive
func (h APIRestRegistryHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// Ready godoc
// @Summary For REST API readiness check
// @Description Will return success if the server is ready for use
// @tags Registry
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestRegistryHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			msg := "not ready"
			log.WithError(err).WithFields(h.GetLogTagsForContext(r.Context())).Error(msg)
			h.writeResponse(w, r, http.StatusInternalServerError, h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			))
			return
		}
	}
	h.writeResponse(w, r, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()))
}

// ReadyHandler Wrapper around Ready
func (h APIRestRegistryHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================

// RegisterRegistryRoutes attach the registry API routes under the path prefix
func RegisterRegistryRoutes(
	parentRouter *mux.Router, pathPrefix string, h APIRestRegistryHandler,
) *mux.Router {
	mainRouter := RegisterPathPrefix(parentRouter, pathPrefix, nil)

	// Session routes
	sessionRouter := RegisterPathPrefix(mainRouter, "/v1/session", MethodHandlers{
		"get": h.GetActiveSessionsHandler(),
	})
	perSessionRouter := RegisterPathPrefix(sessionRouter, "/{sessionID}", MethodHandlers{
		"get":    h.GetSessionSubscriptionsHandler(),
		"delete": h.UnregisterSessionHandler(),
	})
	_ = RegisterPathPrefix(
		perSessionRouter, "/subscription/{subscriptionID}", MethodHandlers{
			"post":   h.RegisterSubscriptionHandler(),
			"delete": h.UnregisterSubscriptionHandler(),
		},
	)

	// Lookup and stats
	_ = RegisterPathPrefix(mainRouter, "/v1/destination", MethodHandlers{
		"get": h.FindSubscriptionsHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/stats", MethodHandlers{
		"get": h.GetStatsHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/v1/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
	return mainRouter
}
