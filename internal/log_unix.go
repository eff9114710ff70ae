// Copyright 2021 The Matrix.org Foundation C.I.C.
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

//go:build !windows
// +build !windows

package internal

import (
	"log/syslog"

	"github.com/MFAshby/stdemuxerhook"
	"github.com/sirupsen/logrus"
	lSyslog "github.com/sirupsen/logrus/hooks/syslog"

	"github.com/matrix-org/fedcore/setup/config"
)

func checkSyslogHookParams(params map[string]interface{}) {
	for _, key := range []string{"address", "protocol"} {
		value, ok := params[key]
		if !ok {
			logrus.Fatalf("Expecting a parameter %q for logging hook of type \"syslog\"", key)
		}
		if _, ok := value.(string); !ok {
			logrus.Fatalf("Parameter %q for logging hook of type \"syslog\" should be a string", key)
		}
	}
}

// stdemuxerhook sends warnings and above to stderr and the rest to stdout.
func setupStdLogHook(level logrus.Level) {
	logrus.AddHook(&logLevelHook{level, stdemuxerhook.New(logrus.StandardLogger())})
}

func setupSyslogHook(hook config.LogrusHook, level logrus.Level) {
	syslogHook, err := lSyslog.NewSyslogHook(hook.Params["protocol"].(string), hook.Params["address"].(string), syslog.LOG_INFO, "fedcore")
	if err != nil {
		logrus.WithError(err).Error("Failed to set up syslog hook")
		return
	}
	logrus.AddHook(&logLevelHook{level, syslogHook})
}
