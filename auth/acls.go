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

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/matrix-org/fedcore/event"
)

// ServerACLDatabase is the storage needed to load the ACLs of every known
// room at startup.
type ServerACLDatabase interface {
	// KnownRooms returns a list of all rooms we know about.
	KnownRooms(ctx context.Context) ([]string, error)
	// StateEvent returns the current state event of a given type for a given
	// room with a given state key, or nil if there is none.
	StateEvent(ctx context.Context, roomID, evType, stateKey string) (*event.Event, error)
}

// ServerACLs holds the compiled m.room.server_acl rules per room.
type ServerACLs struct {
	acls      map[string]*serverACL // room ID -> ACL
	aclsMutex sync.RWMutex          // protects the above
}

// NewServerACLs returns an empty set of ACLs.
func NewServerACLs() *ServerACLs {
	return &ServerACLs{
		acls: make(map[string]*serverACL),
	}
}

// LoadServerACLs builds the ACLs for every room the database knows about.
// Rooms whose ACL cannot be read are logged and skipped.
func LoadServerACLs(ctx context.Context, db ServerACLDatabase) (*ServerACLs, error) {
	acls := NewServerACLs()
	rooms, err := db.KnownRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("db.KnownRooms: %w", err)
	}
	// For each room, let's see if we have a server ACL state event. If we
	// do then we'll process it into memory so that we have the regexes to
	// hand.
	for _, room := range rooms {
		state, err := db.StateEvent(ctx, room, event.MRoomServerACL, "")
		if err != nil {
			logrus.WithError(err).Errorf("Failed to get server ACLs for room %q", room)
			continue
		}
		if state != nil {
			acls.OnServerACLUpdate(state)
		}
	}
	return acls, nil
}

// ServerACL is the content of a m.room.server_acl event.
type ServerACL struct {
	Allowed         []string `json:"allow"`
	Denied          []string `json:"deny"`
	AllowIPLiterals bool     `json:"allow_ip_literals"`
}

type serverACL struct {
	ServerACL
	allowedRegexes []*regexp.Regexp
	deniedRegexes  []*regexp.Regexp
}

func compileACLRegex(orig string) (*regexp.Regexp, error) {
	escaped := regexp.QuoteMeta(orig)
	escaped = strings.Replace(escaped, "\\?", ".", -1)
	escaped = strings.Replace(escaped, "\\*", ".*", -1)
	return regexp.Compile("^" + escaped + "$")
}

// OnServerACLUpdate replaces the ACL of the event's room with the one in the
// event. Events of other types are ignored.
func (s *ServerACLs) OnServerACLUpdate(ev *event.Event) {
	if ev.Type() != event.MRoomServerACL || !ev.StateKeyEquals("") {
		return
	}
	acls := &serverACL{}
	if err := json.Unmarshal(ev.Content(), &acls.ServerACL); err != nil {
		logrus.WithError(err).Errorf("Failed to unmarshal state content for server ACLs")
		return
	}
	// Only * (zero or more chars) and ? (exactly one char) are wildcards, so
	// every other regex special character is escaped first.
	for _, orig := range acls.Allowed {
		if expr, err := compileACLRegex(orig); err != nil {
			logrus.WithError(err).Errorf("Failed to compile allowed regex")
		} else {
			acls.allowedRegexes = append(acls.allowedRegexes, expr)
		}
	}
	for _, orig := range acls.Denied {
		if expr, err := compileACLRegex(orig); err != nil {
			logrus.WithError(err).Errorf("Failed to compile denied regex")
		} else {
			acls.deniedRegexes = append(acls.deniedRegexes, expr)
		}
	}
	logrus.WithFields(logrus.Fields{
		"allow_ip_literals": acls.AllowIPLiterals,
		"num_allowed":       len(acls.allowedRegexes),
		"num_denied":        len(acls.deniedRegexes),
	}).Debugf("Updating server ACLs for %q", ev.RoomID())
	s.aclsMutex.Lock()
	defer s.aclsMutex.Unlock()
	s.acls[ev.RoomID()] = acls
}

// IsServerBannedFromRoom reports whether the room's ACL denies the server.
// Rooms without an ACL ban nobody.
func (s *ServerACLs) IsServerBannedFromRoom(serverName spec.ServerName, roomID string) bool {
	s.aclsMutex.RLock()
	// First of all check if we have an ACL for this room. If we don't then
	// no servers are banned from the room.
	acls, ok := s.acls[roomID]
	if !ok {
		s.aclsMutex.RUnlock()
		return false
	}
	s.aclsMutex.RUnlock()
	// Split the host and port apart. Only the hostname is matched.
	if serverNameOnly, _, err := net.SplitHostPort(string(serverName)); err == nil {
		serverName = spec.ServerName(serverNameOnly)
	}
	// Check if the hostname is an IPv4 or IPv6 literal. We cheat here by adding
	// a /0 prefix length just to trick ParseCIDR into working. If we find that
	// the server is an IP literal and we don't allow those then stop straight
	// away.
	host := strings.TrimSuffix(strings.TrimPrefix(string(serverName), "["), "]")
	if _, _, err := net.ParseCIDR(fmt.Sprintf("%s/0", host)); err == nil {
		if !acls.AllowIPLiterals {
			return true
		}
	}
	// Check if the hostname matches one of the denied regexes. If it does then
	// the server is banned from the room.
	for _, expr := range acls.deniedRegexes {
		if expr.MatchString(string(serverName)) {
			return true
		}
	}
	// Check if the hostname matches one of the allowed regexes. If it does then
	// the server is NOT banned from the room.
	for _, expr := range acls.allowedRegexes {
		if expr.MatchString(string(serverName)) {
			return false
		}
	}
	// If we've got to this point then we haven't matched any regexes or an IP
	// hostname if disallowed. Anything not allowed is denied.
	return true
}
