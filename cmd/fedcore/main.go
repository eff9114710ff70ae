// Copyright 2017 Vector Creations Ltd
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

package main

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/fedcore/federationapi"
	"github.com/matrix-org/fedcore/federationapi/api"
	"github.com/matrix-org/fedcore/internal"
	"github.com/matrix-org/fedcore/internal/caching"
	"github.com/matrix-org/fedcore/internal/sqlutil"
	"github.com/matrix-org/fedcore/roomserver"
	"github.com/matrix-org/fedcore/setup"
	basepkg "github.com/matrix-org/fedcore/setup/base"
	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/setup/jetstream"
	"github.com/matrix-org/fedcore/setup/process"
)

func main() {
	cfg := setup.ParseFlags()

	configErrors := &config.ConfigErrors{}
	cfg.Verify(configErrors)
	if len(*configErrors) > 0 {
		for _, err := range *configErrors {
			logrus.Errorf("Configuration error: %s", err)
		}
		logrus.Fatalf("Failed to start due to configuration errors")
	}
	processCtx := process.NewProcessContext()

	internal.SetupStdLogging()
	internal.SetupHookLogging(cfg.Logging)

	basepkg.PlatformSanityChecks()

	logrus.Infof("FedCore version %s", internal.VersionString())

	closer, err := cfg.SetupTracing()
	if err != nil {
		logrus.WithError(err).Panicf("failed to start opentracing")
	}
	defer closer.Close() // nolint: errcheck

	if err = basepkg.InitSentry(&cfg.Global); err != nil {
		logrus.WithError(err).Panic("failed to start Sentry")
	}
	if cfg.Global.Sentry.Enabled {
		go func() {
			processCtx.ComponentStarted()
			<-processCtx.WaitForShutdown()
			if !sentry.Flush(time.Second * 5) {
				logrus.Warnf("failed to flush all Sentry events!")
			}
			processCtx.ComponentFinished()
		}()
	}

	cm := sqlutil.NewConnectionManager(processCtx)
	routers := basepkg.NewRouters()
	caches, err := caching.NewRistrettoCache(caching.CacheSize(cfg.Global.Cache.EstimatedMaxSize), cfg.Global.Cache.RejectedMaxAge, cfg.Global.Metrics.Enabled)
	if err != nil {
		logrus.WithError(err).Panic("failed to create caches")
	}
	natsInstance := jetstream.NATSInstance{}

	fedAPI := federationapi.NewInternalAPI(processCtx, cfg, cm, api.DefaultServerResolver{})
	rsAPI := roomserver.NewInternalAPI(processCtx, cfg, cm, &natsInstance, caches, fedAPI.Client, fedAPI.KeyRing)
	fedAPI.StartOutbound(&natsInstance, rsAPI.DB, rsAPI.ACLs)
	fedAPI.AddPublicRoutes(routers.Federation, routers.Keys, rsAPI.Inputer, rsAPI.Queryer, rsAPI.DB, rsAPI.ACLs)

	upCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fedcore",
		Name:      "up",
		ConstLabels: map[string]string{
			"version": internal.VersionString(),
		},
	})
	upCounter.Add(1)
	prometheus.MustRegister(upCounter)

	go basepkg.SetupAndServeHTTP(processCtx, cfg, routers)

	// We want to block forever to let the HTTP and HTTPS handler serve the APIs
	basepkg.WaitForShutdown(processCtx)
}
