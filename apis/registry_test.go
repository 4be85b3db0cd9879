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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/subreg/common"
	"github.com/alwitt/subreg/registry"
	"github.com/alwitt/subreg/session"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

func TestRegistryAPI(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	reg, err := registry.DefineSubscriptionRegistry(
		registry.RegistryParams{Instance: "unit-test", CacheLimit: 16},
	)
	assert.Nil(err)
	tp, err := common.GetNewTaskProcessorInstance("unit-test", 4, utCtxt)
	assert.Nil(err)
	sessions, err := session.DefineSessionManager(session.ManagerParams{
		Instance: "unit-test", Registry: reg, TP: tp,
	})
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(&wg))

	readyErr := fmt.Errorf("dummy error")
	isReady := false
	httpConfig := &common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Subreg-Request-ID",
			DoNotLogHeaders: []string{"Authorization"},
		},
	}

	// Case 0: missing registry
	{
		_, err := GetAPIRestRegistryHandler(nil, nil, nil, httpConfig)
		assert.NotNil(err)
	}

	uut, err := GetAPIRestRegistryHandler(reg, sessions, func() error {
		if isReady {
			return nil
		}
		return readyErr
	}, httpConfig)
	assert.Nil(err)

	router := mux.NewRouter()
	_ = RegisterRegistryRoutes(router, "/", uut)

	call := func(method, path string, body interface{}) *httptest.ResponseRecorder {
		var payload *bytes.Reader
		if body != nil {
			t, err := json.Marshal(body)
			assert.Nil(err)
			payload = bytes.NewReader(t)
		} else {
			payload = bytes.NewReader([]byte{})
		}
		req, err := http.NewRequest(method, path, payload)
		assert.Nil(err)
		req.Header.Add("Subreg-Request-ID", uuid.NewString())
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		return respRecorder
	}

	// Case 1: health checks
	{
		assert.Equal(http.StatusOK, call("GET", "/v1/alive", nil).Code)
		assert.Equal(http.StatusInternalServerError, call("GET", "/v1/ready", nil).Code)
		isReady = true
		assert.Equal(http.StatusOK, call("GET", "/v1/ready", nil).Code)
	}

	session1 := uuid.NewString()
	session2 := uuid.NewString()
	for _, sessionID := range []string{session1, session2} {
		_, err := sessions.LogClientSession(utCtxt, sessionID, "node-1", time.Now())
		assert.Nil(err)
	}

	// Case 2: register subscriptions
	{
		resp := call(
			"POST",
			fmt.Sprintf("/v1/session/%s/subscription/sub-1", session1),
			APIRestReqSubscribe{Destination: "/topic/a"},
		)
		assert.Equal(http.StatusOK, resp.Code)
		resp = call(
			"POST",
			fmt.Sprintf("/v1/session/%s/subscription/sub-2", session1),
			APIRestReqSubscribe{Destination: "/topic/*"},
		)
		assert.Equal(http.StatusOK, resp.Code)
		resp = call(
			"POST",
			fmt.Sprintf("/v1/session/%s/subscription/sub-1", session2),
			APIRestReqSubscribe{Destination: "/topic/**"},
		)
		assert.Equal(http.StatusOK, resp.Code)
	}

	// Case 3: malformed subscriptions, and subscriptions of unknown sessions
	{
		ghost := uuid.NewString()
		resp := call(
			"POST",
			fmt.Sprintf("/v1/session/%s/subscription/sub-1", ghost),
			APIRestReqSubscribe{Destination: "/topic/a"},
		)
		assert.Equal(http.StatusNotFound, resp.Code)
		assert.Empty(reg.SessionSubscriptions(ghost))

		resp = call(
			"POST",
			fmt.Sprintf("/v1/session/%s/subscription/sub-3", session1),
			APIRestReqSubscribe{},
		)
		assert.Equal(http.StatusBadRequest, resp.Code)

		req, err := http.NewRequest(
			"POST",
			fmt.Sprintf("/v1/session/%s/subscription/sub-3", session1),
			bytes.NewReader([]byte("{not json")),
		)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
	}

	// Case 4: list session subscriptions
	{
		resp := call("GET", fmt.Sprintf("/v1/session/%s", session1), nil)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed APIRestRespSessionSubscriptions
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.True(parsed.Success)
		assert.Equal(map[string]string{"sub-1": "/topic/a", "sub-2": "/topic/*"}, parsed.Subscriptions)
	}

	// Case 5: resolve a destination
	{
		resp := call("GET", "/v1/destination?path="+url.QueryEscape("/topic/a"), nil)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed APIRestRespDestinationSubscriptions
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.Equal([]string{"sub-1", "sub-2"}, parsed.Subscriptions[session1])
		assert.Equal([]string{"sub-1"}, parsed.Subscriptions[session2])

		assert.Equal(http.StatusBadRequest, call("GET", "/v1/destination", nil).Code)
	}

	// Case 6: unregister a subscription
	{
		resp := call("DELETE", fmt.Sprintf("/v1/session/%s/subscription/sub-1", session1), nil)
		assert.Equal(http.StatusOK, resp.Code)
		// Unknown subscriptions are ignored
		resp = call("DELETE", fmt.Sprintf("/v1/session/%s/subscription/sub-9", session1), nil)
		assert.Equal(http.StatusOK, resp.Code)
		assert.False(reg.FindSubscriptions("/topic/a").Contains(session1, "sub-1"))
	}

	// Case 7: stats
	{
		resp := call("GET", "/v1/stats", nil)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed APIRestRespRegistryStats
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.Equal(2, parsed.Stats.Sessions)
		assert.Equal(2, parsed.Stats.Subscriptions)
		assert.Equal(2, parsed.Stats.PatternDestinations)
	}

	// Case 8: unregister a session
	{
		resp := call("DELETE", fmt.Sprintf("/v1/session/%s", session2), nil)
		assert.Equal(http.StatusOK, resp.Code)
		assert.Empty(reg.SessionSubscriptions(session2))
	}

	// Case 9: list connected sessions, the unregistered session is gone
	{
		resp := call("GET", "/v1/session", nil)
		assert.Equal(http.StatusOK, resp.Code)
		var parsed APIRestRespActiveSessions
		assert.Nil(json.Unmarshal(resp.Body.Bytes(), &parsed))
		assert.Len(parsed.Sessions, 1)
		assert.Equal(session1, parsed.Sessions[0].SessionID)
	}
}

func TestRegistryAPIWithoutSessions(t *testing.T) {
	assert := assert.New(t)

	reg, err := registry.DefineSubscriptionRegistry(registry.RegistryParams{Instance: "unit-test"})
	assert.Nil(err)
	uut, err := GetAPIRestRegistryHandler(reg, nil, nil, &common.HTTPConfig{})
	assert.Nil(err)

	router := mux.NewRouter()
	_ = RegisterRegistryRoutes(router, "/subreg", uut)

	// Case 0: session listing is unavailable
	{
		req, err := http.NewRequest("GET", "/subreg/v1/session", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusInternalServerError, respRecorder.Code)
	}

	// Case 1: ready without a readiness check
	{
		req, err := http.NewRequest("GET", "/subreg/v1/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}
}
