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
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/signing"
)

// Allowed checks whether an event is allowed by the auth events.
// It returns a *NotAllowed error if the event is not allowed.
// If there was an error loading the auth events then it returns that error.
func Allowed(ev *event.Event, authEvents AuthEventProvider) error {
	if ev.Type() == event.MRoomCreate {
		return createEventAllowed(ev)
	}

	create, err := newCreateContentFromAuthEvents(authEvents)
	if err != nil {
		return err
	}
	// The rules are chosen by the version of the room, so an event claiming
	// a different version must not be judged under its own rules.
	if create.roomVersion != ev.Version() {
		return errorf(
			"event room version %q does not match the room version %q",
			ev.Version(), create.roomVersion,
		)
	}
	if create.roomID != ev.RoomID() {
		return errorf("create event %s is for room %s, not %s", create.eventID, create.roomID, ev.RoomID())
	}
	senderDomain, err := ev.SenderDomain()
	if err != nil {
		return errorf("invalid sender %q: %s", ev.Sender(), err.Error())
	}
	if err = create.domainAllowed(senderDomain); err != nil {
		return err
	}

	verImpl := ev.VersionImpl()
	switch ev.Type() {
	case event.MRoomAliases:
		if verImpl.SpecialCasedAliasesAuth() {
			return aliasEventAllowed(ev, senderDomain)
		}
	case event.MRoomMember:
		return memberEventAllowed(ev, authEvents, &create)
	}

	return defaultEventAllowed(ev, authEvents, &create, senderDomain)
}

// createEventAllowed checks whether the m.room.create event is allowed.
// It returns an error if the event is not allowed.
func createEventAllowed(ev *event.Event) error {
	if !ev.StateKeyEquals("") {
		return errorf("create event must have an empty state key")
	}
	if len(ev.PrevEventIDs()) > 0 {
		return errorf("create event must be the first event in the room: found %d prev_events", len(ev.PrevEventIDs()))
	}
	roomIDDomain, err := event.DomainFromID(ev.RoomID())
	if err != nil {
		return errorf("invalid room ID %q: %s", ev.RoomID(), err.Error())
	}
	senderDomain, err := ev.SenderDomain()
	if err != nil {
		return errorf("invalid sender %q: %s", ev.Sender(), err.Error())
	}
	if senderDomain != roomIDDomain {
		return errorf("create event room ID domain does not match sender: %q != %q", roomIDDomain, senderDomain)
	}
	var content createContentJSON
	if err = json.Unmarshal(ev.Content(), &content); err != nil {
		return errorf("unparsable create event content: %s", err.Error())
	}
	roomVersion := event.RoomVersionV1
	if content.RoomVersion != nil {
		roomVersion = event.RoomVersion(*content.RoomVersion)
		if _, err = event.GetRoomVersion(roomVersion); err != nil {
			return errorf("create event has unrecognised room version %q", roomVersion)
		}
	}
	if roomVersion != ev.Version() {
		return errorf("create event declares room version %q but was sent as %q", roomVersion, ev.Version())
	}
	if !ev.VersionImpl().CreatorFromSender() {
		if content.Creator == nil {
			return errorf("create event has no creator field")
		}
		if err = event.ValidateUserID(*content.Creator); err != nil {
			return errorf("create event has an invalid creator %q: %s", *content.Creator, err.Error())
		}
	}
	return nil
}

// aliasEventAllowed checks whether the m.room.aliases event is allowed.
// Only room versions up to v5 special case aliases events.
func aliasEventAllowed(ev *event.Event, senderDomain spec.ServerName) error {
	stateKey := ev.StateKey()
	if stateKey == nil || *stateKey == "" {
		return errorf("alias event must have a non-empty state key")
	}
	if senderDomain != spec.ServerName(*stateKey) {
		return errorf("alias state_key does not match sender domain, %q != %q", senderDomain, *stateKey)
	}
	return nil
}

// defaultEventAllowed checks whether a non-membership event is allowed.
func defaultEventAllowed(ev *event.Event, authEvents AuthEventProvider, create *createContent, senderDomain spec.ServerName) error {
	membership, err := membershipFromAuthEvents(authEvents, ev.Sender())
	if err != nil {
		return err
	}
	if membership != event.Join {
		return errorf("sender %q not in room", ev.Sender())
	}

	powerLevels, err := NewPowerLevelContentFromAuthEvents(authEvents, create.creator)
	if err != nil {
		return err
	}
	senderLevel := powerLevels.UserLevel(ev.Sender())

	if ev.Type() == event.MRoomThirdPartyInvite {
		if senderLevel < powerLevels.Invite {
			return errorf(
				"%q is not allowed to send third party invites, %d < %d",
				ev.Sender(), senderLevel, powerLevels.Invite,
			)
		}
		return nil
	}

	eventLevel := powerLevels.EventLevel(ev.Type(), ev.IsState())
	if senderLevel < eventLevel {
		return errorf(
			"sender %q is not allowed to send event %q, %d < %d",
			ev.Sender(), ev.Type(), senderLevel, eventLevel,
		)
	}

	// Check that all state_keys that begin with '@' are only updated by users
	// with that ID.
	if stateKey := ev.StateKey(); stateKey != nil && strings.HasPrefix(*stateKey, "@") && *stateKey != ev.Sender() {
		return errorf("sender %q is not allowed to modify the state belonging to %q", ev.Sender(), *stateKey)
	}

	switch ev.Type() {
	case event.MRoomPowerLevels:
		return powerLevelsEventAllowed(ev, authEvents, senderLevel)
	case event.MRoomRedaction:
		return redactEventAllowed(ev, &powerLevels, senderLevel, senderDomain)
	}
	return nil
}

// powerLevelsEventAllowed checks whether the m.room.power_levels event is
// allowed. The caller has already checked that the sender may send power
// levels at all.
func powerLevelsEventAllowed(ev *event.Event, authEvents AuthEventProvider, senderLevel int64) error {
	newPowerLevels, err := NewPowerLevelContentFromEvent(ev)
	if err != nil {
		return err
	}
	for userID := range newPowerLevels.Users {
		if err = event.ValidateUserID(userID); err != nil {
			return errorf("power_levels users contains an invalid user ID %q", userID)
		}
	}

	oldEvent, err := authEvents.PowerLevels()
	if err != nil {
		return err
	}
	if oldEvent == nil {
		// This is the first power levels event in the room, which is allowed
		// to set any levels.
		return nil
	}
	oldPowerLevels, err := NewPowerLevelContentFromEvent(oldEvent)
	if err != nil {
		return err
	}

	type levelChange struct {
		name     string
		old, new int64
	}
	checks := []levelChange{
		{"users_default", oldPowerLevels.UsersDefault, newPowerLevels.UsersDefault},
		{"events_default", oldPowerLevels.EventsDefault, newPowerLevels.EventsDefault},
		{"state_default", oldPowerLevels.StateDefault, newPowerLevels.StateDefault},
		{"ban", oldPowerLevels.Ban, newPowerLevels.Ban},
		{"redact", oldPowerLevels.Redact, newPowerLevels.Redact},
		{"kick", oldPowerLevels.Kick, newPowerLevels.Kick},
		{"invite", oldPowerLevels.Invite, newPowerLevels.Invite},
	}
	if ev.VersionImpl().PowerLevelsIncludeNotifications() {
		checks = append(checks, levelChange{
			"notifications.room", oldPowerLevels.NotificationLevel("room"), newPowerLevels.NotificationLevel("room"),
		})
	}
	for _, c := range checks {
		if c.old == c.new {
			continue
		}
		if c.old > senderLevel || c.new > senderLevel {
			return errorf(
				"sender with level %d is not allowed to change %s from %d to %d",
				senderLevel, c.name, c.old, c.new,
			)
		}
	}

	if err = levelMapChangeAllowed("events", oldPowerLevels.Events, newPowerLevels.Events, senderLevel); err != nil {
		return err
	}
	return userLevelChangesAllowed(ev.Sender(), oldPowerLevels.Users, newPowerLevels.Users, senderLevel)
}

// levelMapChangeAllowed checks added, changed and removed entries of a map of
// levels. Neither the old nor the new value may exceed the sender's level.
func levelMapChangeAllowed(name string, oldLevels, newLevels map[string]int64, senderLevel int64) error {
	for key, oldLevel := range oldLevels {
		newLevel, ok := newLevels[key]
		if ok && newLevel == oldLevel {
			continue
		}
		if oldLevel > senderLevel {
			return errorf("sender with level %d is not allowed to change %s %q from %d", senderLevel, name, key, oldLevel)
		}
		if ok && newLevel > senderLevel {
			return errorf("sender with level %d is not allowed to set %s %q to %d", senderLevel, name, key, newLevel)
		}
	}
	for key, newLevel := range newLevels {
		if _, ok := oldLevels[key]; ok {
			continue
		}
		if newLevel > senderLevel {
			return errorf("sender with level %d is not allowed to set %s %q to %d", senderLevel, name, key, newLevel)
		}
	}
	return nil
}

// userLevelChangesAllowed is levelMapChangeAllowed for the users map, where
// additionally nobody may touch a user at or above their own level apart
// from themselves.
func userLevelChangesAllowed(senderID string, oldLevels, newLevels map[string]int64, senderLevel int64) error {
	for userID, oldLevel := range oldLevels {
		newLevel, ok := newLevels[userID]
		if ok && newLevel == oldLevel {
			continue
		}
		if userID != senderID && oldLevel >= senderLevel {
			return errorf(
				"sender with level %d is not allowed to change the level of %q which is %d",
				senderLevel, userID, oldLevel,
			)
		}
	}
	return levelMapChangeAllowed("users", oldLevels, newLevels, senderLevel)
}

// redactEventAllowed checks whether the m.room.redaction event is allowed.
// From room v3 the check happens when the redaction is applied, because the
// redacted event may not be known yet.
func redactEventAllowed(ev *event.Event, powerLevels *PowerLevelContent, senderLevel int64, senderDomain spec.ServerName) error {
	if !ev.VersionImpl().RedactionSenderDomainAuth() {
		return nil
	}
	if senderLevel >= powerLevels.Redact {
		return nil
	}
	redactDomain, err := event.DomainFromID(ev.Redacts())
	if err != nil {
		return errorf("invalid redacts event ID %q: %s", ev.Redacts(), err.Error())
	}
	if redactDomain == senderDomain {
		return nil
	}
	return errorf(
		"%q is not allowed to redact message from %q, %d < %d",
		ev.Sender(), redactDomain, senderLevel, powerLevels.Redact,
	)
}

// membershipAllower has the information needed to authenticate a
// m.room.member event.
type membershipAllower struct {
	ev      *event.Event
	verImpl event.VersionImpl
	// The user ID of the user whose membership is changing.
	targetID string
	// The user ID of the user who sent the membership event.
	senderID string
	// The membership of the user who sent the membership event.
	senderMember string
	// The previous membership of the user whose membership is changing.
	oldMember string
	// The new membership of the user if this event is accepted.
	newMember string
	content   memberContent
	create    *createContent
	joinRule  joinRuleContent
	// The power levels of the room.
	powerLevels PowerLevelContent
	authEvents  AuthEventProvider
}

// memberEventAllowed checks whether the m.room.member event is allowed.
// Membership events have different authentication rules to ordinary events.
func memberEventAllowed(ev *event.Event, authEvents AuthEventProvider, create *createContent) error {
	stateKey := ev.StateKey()
	if stateKey == nil {
		return errorf("member event must have a state_key")
	}
	m := membershipAllower{
		ev:         ev,
		verImpl:    ev.VersionImpl(),
		targetID:   *stateKey,
		senderID:   ev.Sender(),
		create:     create,
		authEvents: authEvents,
	}
	var err error
	if m.content, err = newMemberContentFromEvent(ev); err != nil {
		return err
	}
	m.newMember = m.content.Membership
	if m.newMember == "" {
		return errorf("member event has no membership")
	}
	if err = event.ValidateUserID(m.targetID); err != nil {
		return errorf("member event state_key %q is not a user ID", m.targetID)
	}

	if m.newMember == event.Join && m.isCreatorJoin() {
		// The creator's join directly after the create event is always
		// allowed. Nothing else exists in the room yet to check against.
		return nil
	}

	if m.oldMember, err = membershipFromAuthEvents(authEvents, m.targetID); err != nil {
		return err
	}
	if m.senderMember, err = membershipFromAuthEvents(authEvents, m.senderID); err != nil {
		return err
	}
	if m.joinRule, err = newJoinRuleContentFromAuthEvents(authEvents); err != nil {
		return err
	}
	if m.powerLevels, err = NewPowerLevelContentFromAuthEvents(authEvents, create.creator); err != nil {
		return err
	}
	if err = create.userIDAllowed(m.targetID); err != nil {
		return err
	}

	switch m.newMember {
	case event.Join:
		return m.joinAllowed()
	case event.Invite:
		if m.content.ThirdPartyInvite != nil {
			return m.thirdPartyInviteAllowed()
		}
		return m.inviteAllowed()
	case event.Leave:
		return m.leaveAllowed()
	case event.Ban:
		return m.banAllowed()
	case event.Knock:
		if !m.verImpl.AllowKnockingInEventAuth() {
			return errorf("knocking is not supported in room version %q", m.verImpl.Version())
		}
		return m.knockAllowed()
	default:
		return errorf("unknown membership %q", m.newMember)
	}
}

func (m *membershipAllower) isCreatorJoin() bool {
	prevEvents := m.ev.PrevEventIDs()
	return len(prevEvents) == 1 &&
		prevEvents[0] == m.create.eventID &&
		m.targetID == m.create.creator &&
		m.senderID == m.targetID
}

func (m *membershipAllower) joinAllowed() error {
	if m.senderID != m.targetID {
		return errorf("cannot force other user %q to join, sent by %q", m.targetID, m.senderID)
	}
	if m.oldMember == event.Ban {
		return errorf("%q is banned from the room", m.targetID)
	}

	switch m.joinRule.JoinRule {
	case event.JoinRulePublic:
		return nil

	case event.JoinRuleInvite:
		return m.alreadyInvitedOrJoined()

	case event.JoinRuleKnock:
		if !m.verImpl.AllowKnockingInEventAuth() {
			return errorf("unknown join rule %q in room version %q", m.joinRule.JoinRule, m.verImpl.Version())
		}
		return m.alreadyInvitedOrJoined()

	case event.JoinRuleRestricted:
		if !m.verImpl.AllowRestrictedJoinsInEventAuth() {
			return errorf("unknown join rule %q in room version %q", m.joinRule.JoinRule, m.verImpl.Version())
		}
		return m.restrictedJoinAllowed()

	case event.JoinRuleKnockRestricted:
		if !m.verImpl.AllowKnockRestrictedJoinsInEventAuth() {
			return errorf("unknown join rule %q in room version %q", m.joinRule.JoinRule, m.verImpl.Version())
		}
		return m.restrictedJoinAllowed()
	}
	return errorf("%q is not allowed to join the room, join rule is %q", m.targetID, m.joinRule.JoinRule)
}

func (m *membershipAllower) alreadyInvitedOrJoined() error {
	if m.oldMember == event.Join || m.oldMember == event.Invite {
		return nil
	}
	return errorf(
		"%q is not allowed to join the room with join rule %q, membership is %q",
		m.targetID, m.joinRule.JoinRule, m.oldMember,
	)
}

// restrictedJoinAllowed handles joins to restricted rooms. A user who is not
// invited needs a resident user with the invite level to vouch for them. The
// vouching server's signature is checked with the event signatures.
func (m *membershipAllower) restrictedJoinAllowed() error {
	if m.oldMember == event.Join || m.oldMember == event.Invite {
		return nil
	}
	authoriser := m.content.JoinAuthorisedViaUsersServer
	if authoriser == "" {
		return errorf("restricted join by %q is not authorised by a resident user", m.targetID)
	}
	if err := event.ValidateUserID(authoriser); err != nil {
		return errorf("join_authorised_via_users_server %q is not a user ID", authoriser)
	}
	authoriserMembership, err := membershipFromAuthEvents(m.authEvents, authoriser)
	if err != nil {
		return err
	}
	if authoriserMembership != event.Join {
		return errorf("join authoriser %q is not joined to the room", authoriser)
	}
	if level := m.powerLevels.UserLevel(authoriser); level < m.powerLevels.Invite {
		return errorf("join authoriser %q does not have the invite level, %d < %d", authoriser, level, m.powerLevels.Invite)
	}
	return nil
}

func (m *membershipAllower) inviteAllowed() error {
	if m.senderMember != event.Join {
		return errorf("sender %q is not in the room", m.senderID)
	}
	if m.oldMember == event.Join {
		return errorf("%q is already joined to the room", m.targetID)
	}
	if m.oldMember == event.Ban {
		return errorf("%q is banned from the room", m.targetID)
	}
	senderLevel := m.powerLevels.UserLevel(m.senderID)
	if senderLevel < m.powerLevels.Invite {
		return errorf("%q is not allowed to invite %q, %d < %d", m.senderID, m.targetID, senderLevel, m.powerLevels.Invite)
	}
	return nil
}

// thirdPartyInviteAllowed checks an invite that claims a third party invite
// token. The signed block must be signed by one of the public keys from the
// matching m.room.third_party_invite event.
func (m *membershipAllower) thirdPartyInviteAllowed() error {
	if m.oldMember == event.Ban {
		return errorf("%q is banned from the room", m.targetID)
	}
	signedRaw := m.content.ThirdPartyInvite.Signed
	signed := gjson.ParseBytes(signedRaw)
	mxid, token, signatures := signed.Get("mxid"), signed.Get("token"), signed.Get("signatures")
	if mxid.Type != gjson.String || token.Type != gjson.String || !signatures.IsObject() {
		return errorf("third party invite is missing mxid, token or signatures")
	}
	if mxid.Str != m.targetID {
		return errorf("third party invite mxid %q does not match state_key %q", mxid.Str, m.targetID)
	}
	tpiEvent, err := m.authEvents.ThirdPartyInvite(token.Str)
	if err != nil {
		return err
	}
	if tpiEvent == nil {
		return errorf("no m.room.third_party_invite event for token %q", token.Str)
	}
	if tpiEvent.Sender() != m.senderID {
		return errorf("third party invite was sent by %q, not %q", tpiEvent.Sender(), m.senderID)
	}

	var publicKeys []string
	tpiContent := gjson.ParseBytes(tpiEvent.Content())
	if key := tpiContent.Get("public_key"); key.Type == gjson.String {
		publicKeys = append(publicKeys, key.Str)
	}
	for _, key := range tpiContent.Get("public_keys.#.public_key").Array() {
		if key.Type == gjson.String {
			publicKeys = append(publicKeys, key.Str)
		}
	}

	for _, encoded := range publicKeys {
		var publicKey signing.Base64Bytes
		if err := publicKey.Decode(encoded); err != nil {
			continue
		}
		allowed := false
		signatures.ForEach(func(serverName, keys gjson.Result) bool {
			keys.ForEach(func(keyID, _ gjson.Result) bool {
				if signing.VerifyJSON(serverName.Str, signing.KeyID(keyID.Str), []byte(publicKey), signedRaw) == nil {
					allowed = true
				}
				return !allowed
			})
			return !allowed
		})
		if allowed {
			return nil
		}
	}
	return errorf("no valid signature on the third party invite for %q", m.targetID)
}

func (m *membershipAllower) leaveAllowed() error {
	if m.senderID == m.targetID {
		switch m.oldMember {
		case event.Join, event.Invite:
			return nil
		case event.Knock:
			if m.verImpl.AllowKnockingInEventAuth() {
				return nil
			}
		}
		return errorf("%q cannot leave the room, membership is %q", m.targetID, m.oldMember)
	}

	if m.senderMember != event.Join {
		return errorf("sender %q is not in the room", m.senderID)
	}
	senderLevel := m.powerLevels.UserLevel(m.senderID)
	if m.oldMember == event.Ban && senderLevel < m.powerLevels.Ban {
		return errorf("%q is not allowed to unban %q, %d < %d", m.senderID, m.targetID, senderLevel, m.powerLevels.Ban)
	}
	targetLevel := m.powerLevels.UserLevel(m.targetID)
	if senderLevel >= m.powerLevels.Kick && targetLevel < senderLevel {
		return nil
	}
	return errorf(
		"%q is not allowed to kick %q, sender level %d, target level %d, kick level %d",
		m.senderID, m.targetID, senderLevel, targetLevel, m.powerLevels.Kick,
	)
}

func (m *membershipAllower) banAllowed() error {
	if m.senderMember != event.Join {
		return errorf("sender %q is not in the room", m.senderID)
	}
	senderLevel := m.powerLevels.UserLevel(m.senderID)
	targetLevel := m.powerLevels.UserLevel(m.targetID)
	if senderLevel >= m.powerLevels.Ban && targetLevel < senderLevel {
		return nil
	}
	return errorf(
		"%q is not allowed to ban %q, sender level %d, target level %d, ban level %d",
		m.senderID, m.targetID, senderLevel, targetLevel, m.powerLevels.Ban,
	)
}

func (m *membershipAllower) knockAllowed() error {
	switch m.joinRule.JoinRule {
	case event.JoinRuleKnock:
	case event.JoinRuleKnockRestricted:
		if !m.verImpl.AllowKnockRestrictedJoinsInEventAuth() {
			return errorf("join rule %q does not allow knocking in room version %q", m.joinRule.JoinRule, m.verImpl.Version())
		}
	default:
		return errorf("join rule %q does not allow knocking", m.joinRule.JoinRule)
	}
	if m.senderID != m.targetID {
		return errorf("%q cannot knock on behalf of %q", m.senderID, m.targetID)
	}
	switch m.oldMember {
	case event.Ban, event.Invite, event.Join:
		return errorf("%q cannot knock, membership is %q", m.targetID, m.oldMember)
	}
	return nil
}
