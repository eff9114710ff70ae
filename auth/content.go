/* Copyright 2017 Vector Creations Ltd
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package auth

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/fedcore/event"
)

// createContent is the JSON content of a m.room.create event along with
// the top-level keys needed for auth.
type createContent struct {
	eventID      string
	roomID       string
	sender       string
	senderDomain spec.ServerName
	// The user who created the room. Taken from content.creator until
	// room v11, where it is the sender of the create event.
	creator     string
	federate    *bool
	roomVersion event.RoomVersion
}

type createContentJSON struct {
	Creator     *string `json:"creator"`
	Federate    *bool   `json:"m.federate"`
	RoomVersion *string `json:"room_version"`
}

// newCreateContentFromAuthEvents loads the create event content from the
// create event in the auth events.
func newCreateContentFromAuthEvents(authEvents AuthEventProvider) (c createContent, err error) {
	createEvent, err := authEvents.Create()
	if err != nil {
		return
	}
	if createEvent == nil {
		err = errorf("missing create event")
		return
	}
	var content createContentJSON
	if err = json.Unmarshal(createEvent.Content(), &content); err != nil {
		err = errorf("unparsable create event content: %s", err.Error())
		return
	}
	c.eventID = createEvent.EventID()
	c.roomID = createEvent.RoomID()
	c.sender = createEvent.Sender()
	if c.senderDomain, err = createEvent.SenderDomain(); err != nil {
		err = errorf("invalid create event sender: %s", err.Error())
		return
	}
	c.federate = content.Federate
	c.roomVersion = event.RoomVersionV1
	if content.RoomVersion != nil {
		c.roomVersion = event.RoomVersion(*content.RoomVersion)
	}
	switch {
	case createEvent.VersionImpl().CreatorFromSender():
		c.creator = createEvent.Sender()
	case content.Creator != nil:
		c.creator = *content.Creator
	}
	return
}

// domainAllowed checks whether the domain is allowed in the room by the
// "m.federate" flag.
func (c *createContent) domainAllowed(domain spec.ServerName) error {
	if domain == c.senderDomain {
		// If the domain matches the domain of the create event then the event
		// is always allowed regardless of the value of the "m.federate" flag.
		return nil
	}
	if c.federate == nil || *c.federate {
		// The m.federate field defaults to true.
		return nil
	}
	return errorf("room is unfederatable")
}

// userIDAllowed checks whether the domain part of the user ID is allowed in
// the room by the "m.federate" flag.
func (c *createContent) userIDAllowed(id string) error {
	domain, err := event.DomainFromID(id)
	if err != nil {
		return errorf("invalid user ID %q: %s", id, err.Error())
	}
	return c.domainAllowed(domain)
}

// joinRuleContent is the JSON content of a m.room.join_rules event.
type joinRuleContent struct {
	JoinRule string          `json:"join_rule"`
	Allow    []joinRuleAllow `json:"allow,omitempty"`
}

type joinRuleAllow struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// newJoinRuleContentFromAuthEvents loads the join rule content from the join
// rules event in the auth event. A missing join rules event means the room
// is invite only.
func newJoinRuleContentFromAuthEvents(authEvents AuthEventProvider) (c joinRuleContent, err error) {
	joinRulesEvent, err := authEvents.JoinRules()
	if err != nil {
		return
	}
	if joinRulesEvent == nil {
		c.JoinRule = event.JoinRuleInvite
		return
	}
	if err = json.Unmarshal(joinRulesEvent.Content(), &c); err != nil {
		err = errorf("unparsable join_rules event content: %s", err.Error())
		return
	}
	return
}

// memberContent is the JSON content of a m.room.member event needed for
// auth checks.
type memberContent struct {
	Membership                   string                  `json:"membership"`
	ThirdPartyInvite             *memberThirdPartyInvite `json:"third_party_invite,omitempty"`
	JoinAuthorisedViaUsersServer string                  `json:"join_authorised_via_users_server,omitempty"`
}

type memberThirdPartyInvite struct {
	Signed json.RawMessage `json:"signed"`
}

// newMemberContentFromEvent parses the member content from an event.
// Returns an error if the content couldn't be parsed.
func newMemberContentFromEvent(ev *event.Event) (c memberContent, err error) {
	if err = json.Unmarshal(ev.Content(), &c); err != nil {
		err = errorf("unparsable member event content: %s", err.Error())
		return
	}
	return
}

// membershipFromAuthEvents returns the current membership of the user, or
// "leave" when the user has no member event.
func membershipFromAuthEvents(authEvents AuthEventProvider, userID string) (string, error) {
	ev, err := authEvents.Member(userID)
	if err != nil {
		return "", err
	}
	if ev == nil {
		return event.Leave, nil
	}
	c, err := newMemberContentFromEvent(ev)
	if err != nil {
		return "", err
	}
	return c.Membership, nil
}

// PowerLevelContent is the JSON content of a m.room.power_levels event needed
// for auth checks.
type PowerLevelContent struct {
	Ban           int64
	Invite        int64
	Kick          int64
	Redact        int64
	Users         map[string]int64
	UsersDefault  int64
	Events        map[string]int64
	EventsDefault int64
	StateDefault  int64
	Notifications map[string]int64
}

// UserLevel returns the power level a user has in the room.
func (c *PowerLevelContent) UserLevel(userID string) int64 {
	level, ok := c.Users[userID]
	if ok {
		return level
	}
	return c.UsersDefault
}

// EventLevel returns the power level needed to send an event in the room.
func (c *PowerLevelContent) EventLevel(eventType string, isState bool) int64 {
	level, ok := c.Events[eventType]
	if ok {
		return level
	}
	if isState {
		return c.StateDefault
	}
	return c.EventsDefault
}

// NotificationLevel returns the power level needed to trigger the given
// notification.
func (c *PowerLevelContent) NotificationLevel(notification string) int64 {
	level, ok := c.Notifications[notification]
	if ok {
		return level
	}
	// https://spec.matrix.org/v1.8/client-server-api/#mroompower_levels
	// room	integer	The level required to trigger an @room notification. Defaults to 50 if unspecified.
	return 50
}

// Defaults sets the power levels to their default values.
func (c *PowerLevelContent) Defaults() {
	c.Invite = 0
	c.Ban = 50
	c.Kick = 50
	c.Redact = 50
	c.UsersDefault = 0
	c.EventsDefault = 0
	c.StateDefault = 50
	c.Notifications = map[string]int64{"room": 50}
}

// NewPowerLevelContentFromAuthEvents loads the power level content from the
// power level event in the auth events or returns the default values if
// there is no power level event. The creator is given level 100 when there
// is no power level event.
func NewPowerLevelContentFromAuthEvents(authEvents AuthEventProvider, creatorUserID string) (c PowerLevelContent, err error) {
	powerLevelsEvent, err := authEvents.PowerLevels()
	if err != nil {
		return
	}
	if powerLevelsEvent != nil {
		return NewPowerLevelContentFromEvent(powerLevelsEvent)
	}

	c.Defaults()
	c.Users = map[string]int64{}
	if creatorUserID != "" {
		c.Users[creatorUserID] = 100
	}
	// Without a power levels event anyone in the room may send state.
	c.StateDefault = 0
	return
}

// NewPowerLevelContentFromEvent loads the power level content from an event.
// From room v10 every level must be a JSON integer. Earlier versions also
// accept integers encoded as strings.
func NewPowerLevelContentFromEvent(ev *event.Event) (c PowerLevelContent, err error) {
	c.Defaults()
	integersOnly := ev.VersionImpl().RequireIntegerPowerLevels()
	content := gjson.ParseBytes(ev.Content())
	if !content.IsObject() {
		err = errorf("power_levels content is not an object")
		return
	}

	levels := []struct {
		key   string
		level *int64
	}{
		{"ban", &c.Ban},
		{"invite", &c.Invite},
		{"kick", &c.Kick},
		{"redact", &c.Redact},
		{"users_default", &c.UsersDefault},
		{"events_default", &c.EventsDefault},
		{"state_default", &c.StateDefault},
	}
	for _, l := range levels {
		value := content.Get(gjson.Escape(l.key))
		if !value.Exists() {
			continue
		}
		if *l.level, err = parseLevel(value, integersOnly); err != nil {
			err = errorf("invalid power level %q: %s", l.key, err.Error())
			return
		}
	}

	if c.Users, err = parseLevelMap(content.Get("users"), integersOnly); err != nil {
		err = errorf("invalid power levels users: %s", err.Error())
		return
	}
	if c.Events, err = parseLevelMap(content.Get("events"), integersOnly); err != nil {
		err = errorf("invalid power levels events: %s", err.Error())
		return
	}
	notifications, err := parseLevelMap(content.Get("notifications"), integersOnly)
	if err != nil {
		err = errorf("invalid power levels notifications: %s", err.Error())
		return
	}
	for k, v := range notifications {
		c.Notifications[k] = v
	}
	return
}

func parseLevelMap(value gjson.Result, integersOnly bool) (map[string]int64, error) {
	levels := map[string]int64{}
	if !value.Exists() {
		return levels, nil
	}
	if !value.IsObject() {
		return nil, fmt.Errorf("not an object")
	}
	var err error
	value.ForEach(func(key, v gjson.Result) bool {
		var level int64
		if level, err = parseLevel(v, integersOnly); err != nil {
			err = fmt.Errorf("%q: %w", key.Str, err)
			return false
		}
		levels[key.Str] = level
		return true
	})
	return levels, err
}

// parseLevel reads a power level. Older room versions were lenient and
// accepted numeric strings and fractional numbers, which are truncated.
func parseLevel(value gjson.Result, integersOnly bool) (int64, error) {
	switch value.Type {
	case gjson.Number:
		if strings.ContainsAny(value.Raw, ".eE") {
			if integersOnly {
				return 0, fmt.Errorf("%s is not an integer", value.Raw)
			}
			f := value.Float()
			if math.IsNaN(f) || f > math.MaxInt64 || f < math.MinInt64 {
				return 0, fmt.Errorf("%s is out of range", value.Raw)
			}
			return int64(f), nil
		}
		return strconv.ParseInt(value.Raw, 10, 64)
	case gjson.String:
		if integersOnly {
			return 0, fmt.Errorf("%q is a string", value.Str)
		}
		return strconv.ParseInt(strings.TrimSpace(value.Str), 10, 64)
	default:
		return 0, fmt.Errorf("%s is not a number", value.Raw)
	}
}
