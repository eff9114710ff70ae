// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package base

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/kardianos/minwinsvc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/matrix-org/fedcore/internal"
	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/setup/process"
)

const HTTPServerTimeout = time.Minute * 5

const (
	PublicFederationPathPrefix = "/_matrix/federation"
	PublicKeyPathPrefix        = "/_matrix/key"
)

// Routers holds the routers the public listener serves.
type Routers struct {
	Federation *mux.Router
	Keys       *mux.Router
	root       *mux.Router
}

// NewRouters creates the federation and key routers.
//
// SkipClean and UseEncodedPath are set on the top router: room v3 event IDs
// are not URL safe and can contain '/', which must survive as part of a
// single path variable.
// /foo/bar%2Fbaz    == [foo, bar%2Fbaz]  (from UseEncodedPath)
// /foo/bar%2F%2Fbaz == [foo, bar%2F%2Fbaz] (from SkipClean)
func NewRouters() Routers {
	root := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r := Routers{
		Federation: root.PathPrefix(PublicFederationPathPrefix).Subrouter(),
		Keys:       root.PathPrefix(PublicKeyPathPrefix).Subrouter(),
		root:       root,
	}
	r.configureHTTPErrors()
	return r
}

// Handler returns the handler serving every route.
func (r Routers) Handler() http.Handler {
	return r.root
}

func (r Routers) configureHTTPErrors() {
	notAllowedHandler := func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
		_, _ = w.Write([]byte(fmt.Sprintf("405 %s not allowed on this endpoint", req.Method)))
	}

	notFoundHandler := func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errcode":"M_UNRECOGNIZED","error":"Unrecognized request"}`)) // nolint:misspell
	}

	for _, router := range []*mux.Router{r.root, r.Federation, r.Keys} {
		router.NotFoundHandler = http.HandlerFunc(notFoundHandler)
		router.MethodNotAllowedHandler = http.HandlerFunc(notAllowedHandler)
	}
}

// InitSentry sets up Sentry if it is enabled in the config.
func InitSentry(cfg *config.Global) error {
	if !cfg.Sentry.Enabled {
		return nil
	}
	logrus.Info("Setting up Sentry for debugging...")
	return sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.Sentry.DSN,
		Environment:      cfg.Sentry.Environment,
		Debug:            true,
		ServerName:       string(cfg.ServerName),
		Release:          "fedcore@" + internal.VersionString(),
		AttachStacktrace: true,
	})
}

// SetupAndServeHTTP serves the federation and key routes on the configured
// federation listener, and /metrics on the metrics listener if enabled. It
// blocks until the process shuts down.
func SetupAndServeHTTP(
	processCtx *process.ProcessContext,
	cfg *config.FedCore,
	routers Routers,
) {
	var handler http.Handler = routers.Handler()
	if cfg.Global.Sentry.Enabled {
		sentryHandler := sentryhttp.New(sentryhttp.Options{
			Repanic: true,
		})
		handler = sentryHandler.Handle(handler)
	}

	if cfg.Global.Metrics.Enabled {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", promhttp.Handler())
		go serve(processCtx, "metrics", cfg.Global.Metrics.Listen, metricsRouter)
	}

	serve(processCtx, "federation", cfg.FederationAPI.Listen, handler)
}

func serve(processCtx *process.ProcessContext, name, address string, handler http.Handler) {
	serverStarted := &atomic.Bool{}
	server := &http.Server{
		Addr:         address,
		WriteTimeout: HTTPServerTimeout,
		Handler:      handler,
		BaseContext: func(_ net.Listener) context.Context {
			return processCtx.Context()
		},
	}
	server.RegisterOnShutdown(func() {
		if serverStarted.Load() {
			logrus.Infof("Stopping %s HTTP listener", name)
			processCtx.ComponentFinished()
		}
	})

	go func() {
		<-processCtx.WaitForShutdown()
		_ = server.Shutdown(context.Background())
	}()

	logrus.Infof("Starting %s listener on %s", name, address)
	processCtx.ComponentStarted()
	serverStarted.Store(true)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logrus.WithError(err).Fatalf("failed to serve %s HTTP", name)
	}
	logrus.Infof("Stopped %s HTTP listener", name)
}

// WaitForShutdown blocks until SIGINT or SIGTERM arrives or something else
// shuts the process down, then waits for every component to finish.
func WaitForShutdown(processCtx *process.ProcessContext) {
	minwinsvc.SetOnExit(processCtx.ShutdownFedCore)
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigs:
	case <-processCtx.WaitForShutdown():
	}
	signal.Reset(syscall.SIGINT, syscall.SIGTERM)

	logrus.Warnf("Shutdown signal received")

	processCtx.ShutdownFedCore()
	processCtx.WaitForComponentsToFinish()
	if sentry.CurrentHub().Client() != nil {
		sentry.Flush(time.Second * 5)
	}

	logrus.Warnf("FedCore is exiting now")
}
