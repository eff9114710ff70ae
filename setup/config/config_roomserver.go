package config

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/matrix-org/fedcore/event"
)

type RoomServer struct {
	Matrix *Global `yaml:"-"`

	DefaultRoomVersion event.RoomVersion `yaml:"default_room_version,omitempty"`

	Database DatabaseOptions `yaml:"database,omitempty"`

	// How long fetching missing auth events from the origin may take in
	// total, for one event.
	AuthEventFetchTimeout time.Duration `yaml:"auth_event_fetch_timeout"`

	// How many attempts are made to fetch one missing auth event.
	AuthEventFetchRetries int `yaml:"auth_event_fetch_retries"`

	// The most events requested from /get_missing_events to fill a gap.
	MissingEventsLimit int `yaml:"missing_events_limit"`
}

func (c *RoomServer) Defaults(opts DefaultOpts) {
	c.DefaultRoomVersion = DefaultForDefaultRoomVersion()
	c.Database.Defaults(10)
	if opts.Generate {
		c.Database.ConnectionString = "file:roomserver.db"
	}
	c.AuthEventFetchTimeout = time.Second * 30
	c.AuthEventFetchRetries = 3
	c.MissingEventsLimit = 20
}

func (c *RoomServer) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "room_server.database.connection_string", string(c.Database.ConnectionString))
	checkPositive(configErrs, "room_server.auth_event_fetch_timeout", int64(c.AuthEventFetchTimeout))
	checkNotZero(configErrs, "room_server.auth_event_fetch_retries", int64(c.AuthEventFetchRetries))
	if c.MissingEventsLimit < 1 || c.MissingEventsLimit > 20 {
		configErrs.Add(fmt.Sprintf("invalid value for config key 'room_server.missing_events_limit': %d is not between 1 and 20", c.MissingEventsLimit))
	}

	verImpl, err := event.GetRoomVersion(c.DefaultRoomVersion)
	if err != nil {
		configErrs.Add(fmt.Sprintf("invalid value for config key 'room_server.default_room_version': unsupported room version: %q", c.DefaultRoomVersion))
	} else if !verImpl.Stable() {
		log.Warnf("WARNING: Provided default room version %q is unstable", c.DefaultRoomVersion)
	}
}

// Returns the value that is the default for the room_server.default_room_version config key
func DefaultForDefaultRoomVersion() event.RoomVersion {
	return event.RoomVersionV10
}
