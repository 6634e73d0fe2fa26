package lobby

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type stubAuth struct {
	credential *Credential
}

func (self *stubAuth) Authenticate(ctx context.Context) (*Credential, error) {
	return self.credential, nil
}

func (self *stubAuth) Reauthenticate(ctx context.Context) (*Credential, error) {
	return self.credential, nil
}

func (self *stubAuth) Identifier() string {
	return "stub"
}

func (self *stubAuth) RequiresEulaCheck() bool {
	return false
}

func testClient(api Api) *Client {
	client := NewClient(
		context.Background(),
		func(api Api, bus *EventBus, settings *AuthSettings) Auth {
			return &stubAuth{}
		},
		DefaultClientSettings(),
	)
	client.api = api
	client.authManager.setCredential(&Credential{
		AccountId:   "user1",
		DisplayName: "TestUser",
	})
	return client
}

// testParty builds a client party with the given roster. The client's own
// entry must be listed when it belongs to the party.
func testParty(client *Client, leaderId string, memberIds ...string) *ClientParty {
	party := newClientParty(client, map[string]any{
		"id":       "party1",
		"revision": float64(0),
	})
	for i, memberId := range memberIds {
		memberData := map[string]any{
			"account_id": memberId,
			"account_dn": fmt.Sprintf("DN %s", memberId),
			"joined_at":  time.Now().UTC().Add(time.Duration(i) * time.Second).Format(time.RFC3339),
		}
		if memberId == leaderId {
			memberData["role"] = string(RoleCaptain)
		}
		if memberId == client.AccountId() {
			me := newClientPartyMember(client, party.Party, memberData)
			party.addMember(me.PartyMember)
			party.setMe(me)
		} else {
			party.addMember(newPartyMember(client, party.Party, memberData))
		}
	}
	client.setParty(party)
	return party
}

func TestMatchPrivacy(t *testing.T) {
	for _, preset := range partyPrivacyPresets {
		matched, ok := matchPrivacy(preset.PartyType, preset.InviteRestriction, preset.OnlyLeaderFriendsCanJoin)
		assert.Equal(t, true, ok)
		assert.Equal(t, preset, matched)
	}

	_, ok := matchPrivacy("Public", "LeaderOnly", true)
	assert.Equal(t, false, ok)
}

func TestConstructSquadAssignmentsDefault(t *testing.T) {
	client := testClient(&mockApi{})
	party := testParty(client, "user1", "user1", "user2", "user3")

	slots, err := party.ConstructSquadAssignments(nil, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, []SquadSlot{
		{MemberId: "user1", Position: 0},
		{MemberId: "user2", Position: 1},
		{MemberId: "user3", Position: 2},
	}, slots)
}

func TestConstructSquadAssignmentsExplicit(t *testing.T) {
	client := testClient(&mockApi{})
	party := testParty(client, "user1", "user1", "user2", "user3")

	slots, err := party.ConstructSquadAssignments(map[string]*SquadAssignment{
		"user2": {Position: 5},
	}, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, []SquadSlot{
		{MemberId: "user1", Position: 0},
		{MemberId: "user3", Position: 1},
		{MemberId: "user2", Position: 5},
	}, slots)
}

func TestConstructSquadAssignmentsDuplicate(t *testing.T) {
	client := testClient(&mockApi{})
	party := testParty(client, "user1", "user1", "user2", "user3")

	_, err := party.ConstructSquadAssignments(map[string]*SquadAssignment{
		"user2": {Position: 5},
		"user3": {Position: 5},
	}, nil)
	assert.NotEqual(t, nil, err)
}

func TestConstructSquadAssignmentsNewPositions(t *testing.T) {
	client := testClient(&mockApi{})
	party := testParty(client, "user1", "user1", "user2")
	party.assignmentRecords = map[string]*SquadAssignment{
		"user1": {Position: 0},
		"user2": {Position: 1},
	}

	slots, err := party.ConstructSquadAssignments(nil, map[string]int{
		"user1": 1,
	})
	assert.Equal(t, nil, err)
	// user1 claims slot 1, which forces user2 off it
	assert.Equal(t, []SquadSlot{
		{MemberId: "user2", Position: 0},
		{MemberId: "user1", Position: 1},
	}, slots)
}

func TestConstructSquadAssignmentsUnavailablePosition(t *testing.T) {
	client := testClient(&mockApi{})
	party := testParty(client, "user1", "user1")

	_, err := party.ConstructSquadAssignments(nil, map[string]int{
		"user1": 99,
	})
	assert.NotEqual(t, nil, err)
}

func TestConstructSquadAssignmentsKeepsPrevious(t *testing.T) {
	client := testClient(&mockApi{})
	party := testParty(client, "user1", "user1", "user2")
	party.assignmentRecords = map[string]*SquadAssignment{
		"user1": {Position: 3},
	}

	slots, err := party.ConstructSquadAssignments(nil, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, []SquadSlot{
		{MemberId: "user2", Position: 0},
		{MemberId: "user1", Position: 3},
	}, slots)
}

func TestConstructSquadAssignmentsReassignOnSizeChange(t *testing.T) {
	client := testClient(&mockApi{})
	client.defaultPartyConfig.ReassignPositionsOnSizeChange = true
	party := testParty(client, "user1", "user1", "user2")
	party.assignmentRecords = map[string]*SquadAssignment{
		"user1": {Position: 3},
		"user2": {Position: 7},
	}

	slots, err := party.ConstructSquadAssignments(nil, nil)
	assert.Equal(t, nil, err)
	assert.Equal(t, []SquadSlot{
		{MemberId: "user1", Position: 0},
		{MemberId: "user2", Position: 1},
	}, slots)
}

func TestMutationSquadAssignmentsHidesMembers(t *testing.T) {
	meta := NewMetaDocument()
	MutationSquadAssignments([]SquadSlot{
		{MemberId: "user1", Position: 0},
		{MemberId: "user2", Position: 1, Hidden: true},
		{MemberId: "user3", Position: 2},
	}).Apply(meta)

	info := jsonChild(meta.GetJson("Default:SquadInformation_j"), "SquadInformation")
	raw, _ := info["rawSquadAssignments"].([]any)
	assert.Equal(t, 2, len(raw))
	first, _ := raw[0].(map[string]any)
	assert.Equal(t, "user1", first["memberId"])
	second, _ := raw[1].(map[string]any)
	assert.Equal(t, "user3", second["memberId"])
}

func TestSetPrivacyPrivate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var committed *PartyMetaUpdateArgs
	api := &mockApi{
		partyUpdateMeta: func(ctx context.Context, args *PartyMetaUpdateArgs) error {
			committed = args
			return nil
		},
	}
	client := testClient(api)
	party := testParty(client, "user1", "user1", "user2")

	err := party.SetPrivacy(ctx, PrivacyPrivate)
	assert.Equal(t, nil, err)
	assert.Equal(t, PrivacyPrivate, party.Privacy())

	assert.NotEqual(t, nil, committed)
	settings := jsonChild(party.meta.GetJson("Default:PrivacySettings_j"), "PrivacySettings")
	assert.Equal(t, "Private", settings["partyType"])
	assert.Equal(t, "Noone", party.meta.GetString("urn:epic:cfg:presence-perm_s"))
	assert.Equal(t, "7", committed.Updated["urn:epic:cfg:not-accepting-members-reason_i"])
	assert.Equal(t, string(DiscoverabilityInvitedOnly), committed.Config["discoverability"])
	assert.Equal(t, string(JoinabilityInviteAndFormer), committed.Config["joinability"])
}

func TestSetPrivacyPublic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var committed *PartyMetaUpdateArgs
	api := &mockApi{
		partyUpdateMeta: func(ctx context.Context, args *PartyMetaUpdateArgs) error {
			committed = args
			return nil
		},
	}
	client := testClient(api)
	party := testParty(client, "user1", "user1")

	err := party.SetPrivacy(ctx, PrivacyPublic)
	assert.Equal(t, nil, err)

	assert.Equal(t, true, contains(committed.Deleted, "urn:epic:cfg:not-accepting-members-reason_i"))
	assert.Equal(t, string(DiscoverabilityAll), committed.Config["discoverability"])
	assert.Equal(t, string(JoinabilityOpen), committed.Config["joinability"])
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}

func TestSetPrivacyRequiresLeader(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := testClient(&mockApi{})
	party := testParty(client, "user2", "user1", "user2")

	err := party.SetPrivacy(ctx, PrivacyPrivate)
	assert.NotEqual(t, nil, err)
}

func TestSendChatChecks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sentBody string
	client := testClient(&mockApi{
		partyChatSend: func(ctx context.Context, partyId string, userId string, body string) error {
			sentBody = body
			return nil
		},
	})
	party := testParty(client, "user1", "user1")

	// no one is listening in a solo party
	err := party.SendChat(ctx, "hello")
	assert.NotEqual(t, nil, err)

	party = testParty(client, "user1", "user1", "user2")
	err = party.SendChat(ctx, strings.Repeat("a", 257))
	assert.NotEqual(t, nil, err)

	err = party.SendChat(ctx, "hello")
	assert.Equal(t, nil, err)
	assert.Equal(t, "hello", sentBody)
}

func TestApplyUpdateConfigFallback(t *testing.T) {
	client := testClient(&mockApi{})
	party := testParty(client, "user1", "user1")

	party.applyUpdate(map[string]any{
		"max_number_of_members": float64(4),
		"party_sub_type":        "duo",
	})
	assert.Equal(t, 4, party.MaxSize())
	assert.Equal(t, "duo", party.SubType())
}

func TestApplyUpdatePrivacyRematch(t *testing.T) {
	client := testClient(&mockApi{})
	party := testParty(client, "user1", "user1")

	settings, _ := json.Marshal(map[string]any{
		"PrivacySettings": map[string]any{
			"partyType":                 "Private",
			"partyInviteRestriction":    "LeaderOnly",
			"bOnlyLeaderFriendsCanJoin": true,
		},
	})
	party.applyUpdate(map[string]any{
		"party_state_updated": map[string]any{
			"Default:PrivacySettings_j": string(settings),
		},
	})
	assert.Equal(t, PrivacyPrivate, party.Privacy())
}

func TestInviteChecks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var invitedId string
	var invitePayload map[string]string
	api := &mockApi{
		partySendInvite: func(ctx context.Context, partyId string, userId string, payload map[string]string) error {
			invitedId = userId
			invitePayload = payload
			return nil
		},
	}
	client := testClient(api)
	party := testParty(client, "user1", "user1", "user2")

	err := party.Invite(ctx, "user2")
	assert.NotEqual(t, nil, err)

	party.applyConfig(map[string]any{"max_size": float64(2)})
	err = party.Invite(ctx, "user3")
	assert.NotEqual(t, nil, err)

	party.applyConfig(map[string]any{"max_size": float64(16)})
	err = party.Invite(ctx, "user3")
	assert.Equal(t, nil, err)
	assert.Equal(t, "user3", invitedId)
	assert.Equal(t, "1:3:", invitePayload["urn:epic:cfg:build-id_s"])
	assert.Equal(t, "WIN", invitePayload["urn:epic:conn:platform_s"])
}

func TestSetMaxSize(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var committed *PartyMetaUpdateArgs
	api := &mockApi{
		partyUpdateMeta: func(ctx context.Context, args *PartyMetaUpdateArgs) error {
			committed = args
			return nil
		},
	}
	client := testClient(api)
	party := testParty(client, "user1", "user1", "user2", "user3")

	assert.NotEqual(t, nil, party.SetMaxSize(ctx, 2))
	assert.NotEqual(t, nil, party.SetMaxSize(ctx, 17))

	err := party.SetMaxSize(ctx, 8)
	assert.Equal(t, nil, err)
	assert.Equal(t, 8, committed.Config["max_size"])
}

func TestConstructPresenceStatus(t *testing.T) {
	client := testClient(&mockApi{})
	party := testParty(client, "user1", "user1", "user2")

	status := party.constructPresenceStatus("")
	assert.Equal(t, "Battle Royale Lobby - 2 / 16", status.Status)
	assert.Equal(t, "Fortnite", status.ProductName)
	assert.Equal(t, true, status.IsPlaying)

	joinData, _ := status.Properties["party.joininfodata.286331153_j"].(map[string]any)
	assert.Equal(t, "party1", joinData["partyId"])
	assert.Equal(t, "user1", joinData["sourceId"])
	assert.Equal(t, presencePartyTypeId, joinData["partyTypeId"])
	assert.Equal(t, "2", status.Properties["Event_PartySize_s"])
}

func TestConstructPresenceStatusPrivate(t *testing.T) {
	client := testClient(&mockApi{})
	party := testParty(client, "user1", "user1")
	party.meta.Set("urn:epic:cfg:presence-perm_s", "Noone")

	status := party.constructPresenceStatus("custom status")
	assert.Equal(t, "custom status", status.Status)

	joinData, _ := status.Properties["party.joininfodata.286331153_j"].(map[string]any)
	assert.Equal(t, true, joinData["bInPrivate"])
	_, hasPartyId := joinData["partyId"]
	assert.Equal(t, false, hasPartyId)
}

func TestConstructPresenceStatusLeaderOnly(t *testing.T) {
	client := testClient(&mockApi{})
	party := testParty(client, "user2", "user1", "user2")
	party.meta.Set("urn:epic:cfg:presence-perm_s", "Leader")

	// a non-leader session withholds join info under Leader permission
	status := party.constructPresenceStatus("")
	joinData, _ := status.Properties["party.joininfodata.286331153_j"].(map[string]any)
	assert.Equal(t, true, joinData["bInPrivate"])
}

func TestPartyRoster(t *testing.T) {
	client := testClient(&mockApi{})
	party := testParty(client, "user1", "user1", "user2", "user3")

	assert.Equal(t, 3, party.MemberCount())
	assert.Equal(t, "user1", party.Leader().Id())
	assert.Equal(t, "user1", party.Me().Id())

	members := party.Members()
	assert.Equal(t, "user1", members[0].Id())
	assert.Equal(t, "user3", members[2].Id())

	removed := party.removeMember("user2")
	assert.Equal(t, "user2", removed.Id())
	assert.Equal(t, 2, party.MemberCount())
	assert.Equal(t, true, party.removeMember("user2") == nil)
}

func TestUpdateRoles(t *testing.T) {
	client := testClient(&mockApi{})
	party := testParty(client, "user1", "user1", "user2")

	party.updateRoles(party.Member("user2"))
	assert.Equal(t, "user2", party.Leader().Id())
	assert.Equal(t, RoleMember, party.Member("user1").Role())
}

func TestDefaultPartyConfigPayload(t *testing.T) {
	config := DefaultPartyConfig()
	payload := config.createPayload()
	assert.Equal(t, 16, payload["max_size"])
	assert.Equal(t, "OPEN", payload["joinability"])
	assert.Equal(t, "ALL", payload["discoverability"])
	assert.Equal(t, false, payload["join_confirmation"])
}
