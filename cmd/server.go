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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/subreg/apis"
	"github.com/alwitt/subreg/common"
	"github.com/alwitt/subreg/core"
	"github.com/alwitt/subreg/dataplane"
	"github.com/alwitt/subreg/dispatch"
	"github.com/alwitt/subreg/matcher"
	"github.com/alwitt/subreg/registry"
	"github.com/alwitt/subreg/router"
	"github.com/alwitt/subreg/session"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunRegistryServer run the subscription registry server.
//
// Frames are read from NATS and deliveries published back to NATS. The REST API is
// served when configured. Blocks until runtimeContext ends.
func RunRegistryServer(
	runtimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "registry-server",
		"instance":  instance,
	}

	if err := validator.New().Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return err
	}

	// -------------------------------------------------------------------
	// Registry

	destMatcher, err := matcher.DefineMatcher(
		config.Registry.Matcher, config.Registry.PathSeparator, config.Registry.PatternCacheSize,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define destination matcher")
		return err
	}
	reg, err := registry.DefineSubscriptionRegistry(registry.RegistryParams{
		Instance:   instance,
		Matcher:    destMatcher,
		CacheLimit: config.Registry.CacheLimit,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription registry")
		return err
	}

	// -------------------------------------------------------------------
	// Delivery pipeline

	forwarder, err := dataplane.GetNATSSessionForwarder(
		natsClient, config.NATS.Subjects.Prefix, instance,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session forwarder")
		return err
	}
	dispatcher, err := dispatch.DefineDispatcher(dispatch.DispatcherParams{
		Instance: instance, Registry: reg, Matcher: destMatcher, Fallback: forwarder,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return err
	}

	// -------------------------------------------------------------------
	// Session lifecycle

	tp, err := common.GetNewTaskProcessorInstance(
		fmt.Sprintf("%s-sessions", instance), config.Session.TaskBuffer, runtimeContext,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return err
	}
	sessions, err := session.DefineSessionManager(session.ManagerParams{
		Instance:  instance,
		Registry:  reg,
		Releasers: []session.SessionReleaser{dispatcher},
		TP:        tp,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session manager")
		return err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start session event loop")
		return err
	}
	sweepTimer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("%s-session-sweep", instance), runtimeContext, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session sweep timer")
		return err
	}
	if err := sessions.StartInactiveSweep(
		sweepTimer,
		time.Second*time.Duration(config.Session.SweepInterval),
		time.Second*time.Duration(config.Session.InactivityTimeout),
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start session sweep")
		return err
	}

	// -------------------------------------------------------------------
	// Inbound frames

	inbound, err := router.DefineInboundRouter(router.RouterParams{
		Instance: instance, Registry: reg, Sessions: sessions, Dispatcher: dispatcher,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define inbound router")
		return err
	}
	bridge, err := dataplane.DefineNATSInboundBridge(runtimeContext, dataplane.InboundBridgeParams{
		Client:        natsClient,
		Router:        inbound,
		SubjectPrefix: config.NATS.Subjects.Prefix,
		QueueGroup:    config.NATS.Subjects.QueueGroup,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define inbound bridge")
		return err
	}
	if err := bridge.StartReading(func(err error) {
		log.WithError(err).WithFields(logTags).Error("Inbound bridge read failure")
	}, wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start inbound bridge")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	var httpSrv *http.Server
	if config.API != nil {
		httpHandler, err := apis.GetAPIRestRegistryHandler(reg, sessions, func() error {
			if !natsClient.Conn().IsConnected() {
				return fmt.Errorf("NATS connection is %v", natsClient.Conn().Status())
			}
			return nil
		}, &config.API.HTTPSetting)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
			return err
		}

		mainRouter := mux.NewRouter()
		_ = apis.RegisterRegistryRoutes(mainRouter, config.API.PathPrefix, httpHandler)

		// Add logging
		mainRouter.Use(func(next http.Handler) http.Handler {
			return handlers.CombinedLoggingHandler(httpHandler, next)
		})

		serverCfg := config.API.HTTPSetting.Server
		serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
		httpSrv = &http.Server{
			Addr:         serverListen,
			WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
			ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
			IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
			Handler:      h2c.NewHandler(mainRouter, &http2.Server{}),
		}

		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			}
		}()

		log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)
	}

	// ============================================================================

	<-runtimeContext.Done()

	if err := sweepTimer.Stop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping session sweep")
	}
	if err := tp.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping session event loop")
	}

	// Stop the HTTP server
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
