package event

// Event types that the federation core gives special treatment to.
const (
	MRoomCreate            = "m.room.create"
	MRoomMember            = "m.room.member"
	MRoomPowerLevels       = "m.room.power_levels"
	MRoomJoinRules         = "m.room.join_rules"
	MRoomThirdPartyInvite  = "m.room.third_party_invite"
	MRoomAliases           = "m.room.aliases"
	MRoomHistoryVisibility = "m.room.history_visibility"
	MRoomRedaction         = "m.room.redaction"
	MRoomServerACL         = "m.room.server_acl"
)

// Membership states.
const (
	Join   = "join"
	Invite = "invite"
	Leave  = "leave"
	Ban    = "ban"
	Knock  = "knock"
)

// Join rules.
const (
	JoinRulePublic          = "public"
	JoinRuleInvite          = "invite"
	JoinRuleKnock           = "knock"
	JoinRulePrivate         = "private"
	JoinRuleRestricted      = "restricted"
	JoinRuleKnockRestricted = "knock_restricted"
)
