package internal

import (
	"fmt"
	"runtime/debug"
)

const (
	VersionMajor = 0
	VersionMinor = 1
	VersionPatch = 0
	VersionTag   = "" // example: "rc1"
)

// -ldflags "-X github.com/matrix-org/fedcore/internal.build=alpha"
var build string

var version = makeVersion()

// VersionString returns the semantic version, followed by the build label and
// the VCS revision the binary was built from when they are known.
func VersionString() string {
	return version
}

func makeVersion() string {
	v := fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)
	if VersionTag != "" {
		v += "-" + VersionTag
	}
	meta := build
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key != "vcs.revision" || len(setting.Value) < 7 {
				continue
			}
			if meta != "" {
				meta += "."
			}
			meta += setting.Value[:7]
		}
	}
	if meta != "" {
		v += "+" + meta
	}
	return v
}
