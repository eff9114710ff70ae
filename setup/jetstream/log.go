package jetstream

import (
	"github.com/nats-io/nats-server/v2/server"
	"github.com/sirupsen/logrus"
)

var _ server.Logger = natsLogger{}

// natsLogger sends the in-process NATS server's output to logrus. Notices
// are logged at info level; every other level maps directly.
type natsLogger struct {
	*logrus.Entry
}

func newNATSLogger(storeDir string) natsLogger {
	return natsLogger{
		Entry: logrus.WithFields(logrus.Fields{
			"component": "jetstream",
			"store_dir": storeDir,
		}),
	}
}

func (l natsLogger) Noticef(format string, v ...interface{}) {
	l.Infof(format, v...)
}
