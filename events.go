package lobby

// Event names dispatched toward the embedding application.
const (
	EventReady            = "ready"
	EventClose            = "close"
	EventRestart          = "restart"
	EventAuthRefresh      = "auth_refresh"
	EventDeviceAuthGenerate = "device_auth_generate"
	EventStreamSessionClose = "stream_session_close"

	EventFriendAdd            = "friend_add"
	EventFriendRequest        = "friend_request"
	EventFriendRemove         = "friend_remove"
	EventFriendRequestDecline = "friend_request_decline"
	EventFriendRequestAbort   = "friend_request_abort"
	EventUserBlock            = "user_block"
	EventUserUnblock          = "user_unblock"
	EventFriendMessage        = "friend_message"
	EventFriendPresence       = "friend_presence"

	EventPartyInvite          = "party_invite"
	EventPartyInviteDecline   = "party_invite_decline"
	EventPartyJoinRequest     = "party_join_request"
	EventPartyJoinConfirmation = "party_join_confirmation"
	EventPartyMemberJoin      = "party_member_join"
	EventPartyMemberLeave     = "party_member_leave"
	EventPartyMemberKick      = "party_member_kick"
	EventPartyMemberExpire    = "party_member_expire"
	EventPartyMemberDisconnect = "party_member_disconnect"
	EventPartyMemberReconnect = "party_member_reconnect"
	EventPartyMemberZombie    = "party_member_zombie"
	EventPartyMemberPromote   = "party_member_promote"
	EventPartyMemberUpdate    = "party_member_update"
	EventPartyUpdate          = "party_update"
	EventPartyMessage         = "party_message"
	EventPartyTeamSwap        = "party_member_team_swap"
	EventPartyPlaylistChange  = "party_playlist_change"
	EventPartySquadFillChange = "party_squad_fill_change"
	EventPartyPrivacyChange   = "party_privacy_change"
	EventInternalMemberJoin   = "internal_party_member_join"
)

// Server push notification types carried on the stream channel.
const (
	pushTypePing                = "com.epicgames.social.party.notification.v0.PING"
	pushTypeMemberJoined        = "com.epicgames.social.party.notification.v0.MEMBER_JOINED"
	pushTypeMemberLeft          = "com.epicgames.social.party.notification.v0.MEMBER_LEFT"
	pushTypeMemberKicked        = "com.epicgames.social.party.notification.v0.MEMBER_KICKED"
	pushTypeMemberExpired       = "com.epicgames.social.party.notification.v0.MEMBER_EXPIRED"
	pushTypeMemberDisconnected  = "com.epicgames.social.party.notification.v0.MEMBER_DISCONNECTED"
	pushTypeMemberConnected     = "com.epicgames.social.party.notification.v0.MEMBER_CONNECTED"
	pushTypeMemberNewCaptain    = "com.epicgames.social.party.notification.v0.MEMBER_NEW_CAPTAIN"
	pushTypeMemberStateUpdated  = "com.epicgames.social.party.notification.v0.MEMBER_STATE_UPDATED"
	pushTypeMemberRequireConfirmation = "com.epicgames.social.party.notification.v0.MEMBER_REQUIRE_CONFIRMATION"
	pushTypePartyUpdated        = "com.epicgames.social.party.notification.v0.PARTY_UPDATED"
	pushTypeInitialIntention    = "com.epicgames.social.party.notification.v0.INITIAL_INTENTION"
	pushTypeInviteDeclined      = "com.epicgames.social.party.notification.v0.INVITE_DECLINED"
	pushTypeChatWhisper         = "social.chat.v1.NEW_WHISPER"
	pushTypeChatMessage         = "social.chat.v1.NEW_MESSAGE"
	pushTypeFriend              = "com.epicgames.friends.core.apiobjects.Friend"
	pushTypeFriendshipRemove    = "FRIENDSHIP_REMOVE"
	pushTypeBlockListAdded      = "com.epicgames.friends.core.apiobjects.BlockListEntryAdded"
	pushTypeBlockListRemoved    = "com.epicgames.friends.core.apiobjects.BlockListEntryRemoved"
)
