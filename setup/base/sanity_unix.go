//go:build unix

package base

import (
	"syscall"

	"github.com/sirupsen/logrus"
)

// minFileDescriptors covers a connection pool per remote server plus the
// databases and the NATS store.
const minFileDescriptors = 65535

// PlatformSanityChecks warns when the open file limit is too low to talk to
// many servers at once.
func PlatformSanityChecks() {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		logrus.WithError(err).Debug("Unable to read the file descriptor limit")
		return
	}
	if limit.Cur < minFileDescriptors {
		logrus.Warnf(
			"The open file limit is %d. Raise it to at least %d, otherwise outbound federation may fail under load",
			limit.Cur, minFileDescriptors,
		)
	}
}
