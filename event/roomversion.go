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

package event

import (
	"fmt"
	"sort"
	"strconv"
)

// RoomVersion refers to the room version for a specific room.
type RoomVersion string

const (
	RoomVersionV1  RoomVersion = "1"
	RoomVersionV2  RoomVersion = "2"
	RoomVersionV3  RoomVersion = "3"
	RoomVersionV4  RoomVersion = "4"
	RoomVersionV5  RoomVersion = "5"
	RoomVersionV6  RoomVersion = "6"
	RoomVersionV7  RoomVersion = "7"
	RoomVersionV8  RoomVersion = "8"
	RoomVersionV9  RoomVersion = "9"
	RoomVersionV10 RoomVersion = "10"
	RoomVersionV11 RoomVersion = "11"
)

// DefaultRoomVersion is used when an m.room.create event has no room_version.
const DefaultRoomVersion = RoomVersionV1

// StateResAlgorithm refers to a version of the state resolution algorithm.
type StateResAlgorithm int

const (
	StateResV1 StateResAlgorithm = iota + 1
	StateResV2
)

// EventFormat refers to the shape of prev_events and auth_events.
type EventFormat int

const (
	// EventFormatV1 uses [event_id, {"sha256": hash}] references and carries
	// the event ID in the event itself.
	EventFormatV1 EventFormat = iota + 1
	// EventFormatV2 uses plain event ID strings and derives the event ID
	// from the reference hash.
	EventFormatV2
)

// EventIDFormat refers to how event IDs are formed.
type EventIDFormat int

const (
	EventIDFormatV1 EventIDFormat = iota + 1 // $opaque:server
	EventIDFormatV2                          // $ + base64 reference hash
	EventIDFormatV3                          // $ + url-safe base64 reference hash
)

// RedactionAlgorithm refers to the set of fields kept by a redaction.
type RedactionAlgorithm int

const (
	RedactionAlgorithmV1 RedactionAlgorithm = iota + 1 // v1-v5
	RedactionAlgorithmV2                               // v6-v7: m.room.aliases no longer special
	RedactionAlgorithmV3                               // v8: join_rules keep "allow"
	RedactionAlgorithmV4                               // v9-v10: member keeps join_authorised_via_users_server
	RedactionAlgorithmV5                               // v11
)

// VersionImpl is the set of algorithm variants selected by a room version.
// Values are immutable and shared.
type VersionImpl struct {
	ver                             RoomVersion
	stable                          bool
	stateResAlgorithm               StateResAlgorithm
	eventFormat                     EventFormat
	eventIDFormat                   EventIDFormat
	redactionAlgorithm              RedactionAlgorithm
	enforceSigningKeyValidity       bool
	enforceCanonicalJSON            bool
	powerLevelsIncludeNotifications bool
	specialCasedAliasesAuth         bool
	redactionSenderDomainAuth       bool
	allowKnocking                   bool
	allowRestrictedJoins            bool
	allowKnockRestrictedJoins       bool
	requireIntegerPowerLevels       bool
	creatorFromSender               bool
}

var roomVersionMeta = map[RoomVersion]VersionImpl{
	RoomVersionV1: {
		ver:                       RoomVersionV1,
		stable:                    true,
		stateResAlgorithm:         StateResV1,
		eventFormat:               EventFormatV1,
		eventIDFormat:             EventIDFormatV1,
		redactionAlgorithm:        RedactionAlgorithmV1,
		specialCasedAliasesAuth:   true,
		redactionSenderDomainAuth: true,
	},
	RoomVersionV2: {
		ver:                       RoomVersionV2,
		stable:                    true,
		stateResAlgorithm:         StateResV2,
		eventFormat:               EventFormatV1,
		eventIDFormat:             EventIDFormatV1,
		redactionAlgorithm:        RedactionAlgorithmV1,
		specialCasedAliasesAuth:   true,
		redactionSenderDomainAuth: true,
	},
	RoomVersionV3: {
		ver:                     RoomVersionV3,
		stable:                  true,
		stateResAlgorithm:       StateResV2,
		eventFormat:             EventFormatV2,
		eventIDFormat:           EventIDFormatV2,
		redactionAlgorithm:      RedactionAlgorithmV1,
		specialCasedAliasesAuth: true,
	},
	RoomVersionV4: {
		ver:                     RoomVersionV4,
		stable:                  true,
		stateResAlgorithm:       StateResV2,
		eventFormat:             EventFormatV2,
		eventIDFormat:           EventIDFormatV3,
		redactionAlgorithm:      RedactionAlgorithmV1,
		specialCasedAliasesAuth: true,
	},
	RoomVersionV5: {
		ver:                       RoomVersionV5,
		stable:                    true,
		stateResAlgorithm:         StateResV2,
		eventFormat:               EventFormatV2,
		eventIDFormat:             EventIDFormatV3,
		redactionAlgorithm:        RedactionAlgorithmV1,
		enforceSigningKeyValidity: true,
		specialCasedAliasesAuth:   true,
	},
	RoomVersionV6: {
		ver:                             RoomVersionV6,
		stable:                          true,
		stateResAlgorithm:               StateResV2,
		eventFormat:                     EventFormatV2,
		eventIDFormat:                   EventIDFormatV3,
		redactionAlgorithm:              RedactionAlgorithmV2,
		enforceSigningKeyValidity:       true,
		enforceCanonicalJSON:            true,
		powerLevelsIncludeNotifications: true,
	},
	RoomVersionV7: {
		ver:                             RoomVersionV7,
		stable:                          true,
		stateResAlgorithm:               StateResV2,
		eventFormat:                     EventFormatV2,
		eventIDFormat:                   EventIDFormatV3,
		redactionAlgorithm:              RedactionAlgorithmV2,
		enforceSigningKeyValidity:       true,
		enforceCanonicalJSON:            true,
		powerLevelsIncludeNotifications: true,
		allowKnocking:                   true,
	},
	RoomVersionV8: {
		ver:                             RoomVersionV8,
		stable:                          true,
		stateResAlgorithm:               StateResV2,
		eventFormat:                     EventFormatV2,
		eventIDFormat:                   EventIDFormatV3,
		redactionAlgorithm:              RedactionAlgorithmV3,
		enforceSigningKeyValidity:       true,
		enforceCanonicalJSON:            true,
		powerLevelsIncludeNotifications: true,
		allowKnocking:                   true,
		allowRestrictedJoins:            true,
	},
	RoomVersionV9: {
		ver:                             RoomVersionV9,
		stable:                          true,
		stateResAlgorithm:               StateResV2,
		eventFormat:                     EventFormatV2,
		eventIDFormat:                   EventIDFormatV3,
		redactionAlgorithm:              RedactionAlgorithmV4,
		enforceSigningKeyValidity:       true,
		enforceCanonicalJSON:            true,
		powerLevelsIncludeNotifications: true,
		allowKnocking:                   true,
		allowRestrictedJoins:            true,
	},
	RoomVersionV10: {
		ver:                             RoomVersionV10,
		stable:                          true,
		stateResAlgorithm:               StateResV2,
		eventFormat:                     EventFormatV2,
		eventIDFormat:                   EventIDFormatV3,
		redactionAlgorithm:              RedactionAlgorithmV4,
		enforceSigningKeyValidity:       true,
		enforceCanonicalJSON:            true,
		powerLevelsIncludeNotifications: true,
		allowKnocking:                   true,
		allowRestrictedJoins:            true,
		allowKnockRestrictedJoins:       true,
		requireIntegerPowerLevels:       true,
	},
	RoomVersionV11: {
		ver:                             RoomVersionV11,
		stable:                          true,
		stateResAlgorithm:               StateResV2,
		eventFormat:                     EventFormatV2,
		eventIDFormat:                   EventIDFormatV3,
		redactionAlgorithm:              RedactionAlgorithmV5,
		enforceSigningKeyValidity:       true,
		enforceCanonicalJSON:            true,
		powerLevelsIncludeNotifications: true,
		allowKnocking:                   true,
		allowRestrictedJoins:            true,
		allowKnockRestrictedJoins:       true,
		requireIntegerPowerLevels:       true,
		creatorFromSender:               true,
	},
}

// UnsupportedRoomVersionError occurs when a room version is not known.
type UnsupportedRoomVersionError struct {
	Version RoomVersion
}

func (e UnsupportedRoomVersionError) Error() string {
	return fmt.Sprintf("unsupported room version %q", e.Version)
}

// GetRoomVersion returns the strategy record for the given room version.
func GetRoomVersion(verStr RoomVersion) (VersionImpl, error) {
	v, ok := roomVersionMeta[verStr]
	if !ok {
		return VersionImpl{}, UnsupportedRoomVersionError{Version: verStr}
	}
	return v, nil
}

// MustGetRoomVersion is GetRoomVersion for versions known to be supported.
func MustGetRoomVersion(verStr RoomVersion) VersionImpl {
	v, err := GetRoomVersion(verStr)
	if err != nil {
		panic(err)
	}
	return v
}

// RoomVersions returns every supported room version, oldest first.
func RoomVersions() []RoomVersion {
	versions := make([]RoomVersion, 0, len(roomVersionMeta))
	for v := range roomVersionMeta {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool {
		a, _ := strconv.Atoi(string(versions[i]))
		b, _ := strconv.Atoi(string(versions[j]))
		return a < b
	})
	return versions
}

func (v VersionImpl) Version() RoomVersion { return v.ver }
func (v VersionImpl) Stable() bool { return v.stable }
func (v VersionImpl) StateResAlgorithm() StateResAlgorithm { return v.stateResAlgorithm }
func (v VersionImpl) EventFormat() EventFormat { return v.eventFormat }
func (v VersionImpl) EventIDFormat() EventIDFormat { return v.eventIDFormat }
func (v VersionImpl) RedactionAlgorithm() RedactionAlgorithm { return v.redactionAlgorithm }
func (v VersionImpl) EnforceSigningKeyValidity() bool { return v.enforceSigningKeyValidity }
func (v VersionImpl) EnforceCanonicalJSON() bool { return v.enforceCanonicalJSON }
func (v VersionImpl) PowerLevelsIncludeNotifications() bool { return v.powerLevelsIncludeNotifications }
func (v VersionImpl) SpecialCasedAliasesAuth() bool { return v.specialCasedAliasesAuth }
func (v VersionImpl) RedactionSenderDomainAuth() bool { return v.redactionSenderDomainAuth }
func (v VersionImpl) AllowKnockingInEventAuth() bool { return v.allowKnocking }
func (v VersionImpl) AllowRestrictedJoinsInEventAuth() bool { return v.allowRestrictedJoins }
func (v VersionImpl) AllowKnockRestrictedJoinsInEventAuth() bool { return v.allowKnockRestrictedJoins }
func (v VersionImpl) RequireIntegerPowerLevels() bool { return v.requireIntegerPowerLevels }
func (v VersionImpl) CreatorFromSender() bool { return v.creatorFromSender }
