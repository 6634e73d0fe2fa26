package lobby

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golang/glog"
)

// ReceivedPartyInvite is an invite observed via a ping notification.
type ReceivedPartyInvite struct {
	client *Client

	Party     *Party
	SenderId  string
	SentAt    time.Time
	ExpiresAt time.Time
}

// Accept joins the inviting party. The invite ping is removed either way.
func (self *ReceivedPartyInvite) Accept(ctx context.Context) (*ClientParty, error) {
	defer func() {
		if err := self.client.api.PartyDeletePing(ctx, self.client.AccountId(), self.SenderId); err != nil {
			glog.V(2).Infof("[invite]delete ping error = %s\n", err)
		}
	}()
	return self.client.JoinParty(ctx, self.Party.Id())
}

func (self *ReceivedPartyInvite) Decline(ctx context.Context) error {
	return self.client.api.PartyDeclineInvite(ctx, self.Party.Id(), self.client.AccountId())
}

// PartyJoinRequest is a friend asking to join the client's party.
type PartyJoinRequest struct {
	client *Client

	Party       *ClientParty
	RequesterId string
	ExpiresAt   time.Time
}

func (self *PartyJoinRequest) Accept(ctx context.Context) error {
	return self.Party.Invite(ctx, self.RequesterId)
}

// PartyJoinConfirmation is a pending member waiting for the leader's
// verdict.
type PartyJoinConfirmation struct {
	client *Client

	Party  *ClientParty
	UserId string
}

func (self *PartyJoinConfirmation) Confirm(ctx context.Context) error {
	return self.client.api.PartyConfirmMember(ctx, self.Party.Id(), self.UserId)
}

func (self *PartyJoinConfirmation) Reject(ctx context.Context) error {
	return self.client.api.PartyRejectMember(ctx, self.Party.Id(), self.UserId)
}

// MemberPromotion is the payload of a promote event.
type MemberPromotion struct {
	OldLeader *PartyMember
	NewLeader *PartyMember
}

// TeamSwap is the payload of a team swap event. Target is nil when a
// member moved to a free slot.
type TeamSwap struct {
	Member *PartyMember
	Target *PartyMember
}

// PartyChange carries a before/after pair for one observed party property.
type PartyChange[V any] struct {
	Party  *ClientParty
	Before V
	After  V
}

// FriendMessage is a whisper received on the notification channel.
type FriendMessage struct {
	Author  *Friend
	Content string
}

// PartyMessage is a party chat line received on the notification channel.
type PartyMessage struct {
	Party   *ClientParty
	Author  *PartyMember
	Content string
}

// handlePushEvent routes one decoded notification from either channel.
func (self *Client) handlePushEvent(messageType string, payload map[string]any) {
	handler := func(handle func(payload map[string]any)) {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Infof("[push]%s panic = %s\n", messageType, r)
				}
			}()
			handle(payload)
		}()
	}

	switch messageType {
	case pushTypePing:
		handler(self.handlePartyPing)
	case pushTypeMemberJoined:
		handler(self.handleMemberJoined)
	case pushTypeMemberLeft:
		handler(func(p map[string]any) { self.handleMemberGone(p, EventPartyMemberLeave) })
	case pushTypeMemberKicked:
		handler(func(p map[string]any) { self.handleMemberGone(p, EventPartyMemberKick) })
	case pushTypeMemberExpired:
		handler(func(p map[string]any) { self.handleMemberGone(p, EventPartyMemberExpire) })
	case pushTypeMemberDisconnected:
		handler(self.handleMemberDisconnected)
	case pushTypeMemberConnected:
		handler(self.handleMemberConnected)
	case pushTypeMemberNewCaptain:
		handler(self.handleNewCaptain)
	case pushTypeMemberStateUpdated:
		handler(self.handleMemberStateUpdated)
	case pushTypeMemberRequireConfirmation:
		handler(self.handleRequireConfirmation)
	case pushTypePartyUpdated:
		handler(self.handlePartyUpdated)
	case pushTypeInitialIntention:
		handler(self.handleInitialIntention)
	case pushTypeInviteDeclined:
		handler(self.handleInviteDeclined)
	case pushTypeChatWhisper:
		handler(self.handleWhisper)
	case pushTypeChatMessage:
		handler(self.handleChatMessage)
	case pushTypeFriend:
		handler(self.handleFriendUpdate)
	case pushTypeFriendshipRemove:
		handler(self.handleFriendshipRemove)
	case pushTypeBlockListAdded:
		handler(self.handleBlockListAdded)
	case pushTypeBlockListRemoved:
		handler(self.handleBlockListRemoved)
	default:
		glog.V(2).Infof("[push]%s ignored\n", messageType)
	}
}

// eventParty resolves the party a notification refers to. Notifications
// about other members wait out an in-flight join or create first, so the
// roster they mutate is the settled one.
func (self *Client) eventParty(payload map[string]any) *ClientParty {
	userId, _ := payload["account_id"].(string)
	if userId != self.AccountId() {
		if err := self.joinGate.Wait(self.ctx); err != nil {
			return nil
		}
	}

	party := self.Party()
	if party == nil {
		return nil
	}
	if partyId, _ := payload["party_id"].(string); partyId != party.Id() {
		return nil
	}
	return party
}

const invitePingTtl = 4 * time.Hour

func (self *Client) handlePartyPing(payload map[string]any) {
	pingerId, _ := payload["pinger_id"].(string)

	pings, err := self.api.PartyLookupPing(self.ctx, self.AccountId(), pingerId)
	if err != nil || len(pings) == 0 {
		glog.Infof("[party]ping from %s has no party = %v\n", pingerId, err)
		return
	}
	data := pings[0]

	sentAt := time.Now().UTC()
	expiresAt := sentAt.Add(invitePingTtl)
	if invites, ok := data["invites"].([]any); ok {
		for _, rawInvite := range invites {
			invite, ok := rawInvite.(map[string]any)
			if !ok {
				continue
			}
			sentBy, _ := invite["sent_by"].(string)
			status, _ := invite["status"].(string)
			if sentBy != pingerId || status != "SENT" {
				continue
			}
			if at, ok := invite["sent_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339, at); err == nil {
					sentAt = t.UTC()
				}
			}
			if at, ok := invite["expires_at"].(string); ok {
				if t, err := time.Parse(time.RFC3339, at); err == nil {
					expiresAt = t.UTC()
				}
			}
			break
		}
	}

	party := newParty(self, data)
	if members, ok := data["members"].([]any); ok {
		for _, rawMember := range members {
			if memberData, ok := rawMember.(map[string]any); ok {
				party.addMember(newPartyMember(self, party, memberData))
			}
		}
	}

	self.bus.Dispatch(EventPartyInvite, &ReceivedPartyInvite{
		client:    self,
		Party:     party,
		SenderId:  pingerId,
		SentAt:    sentAt,
		ExpiresAt: expiresAt,
	})
}

func (self *Client) handleMemberJoined(payload map[string]any) {
	party := self.eventParty(payload)
	if party == nil {
		return
	}
	userId, _ := payload["account_id"].(string)

	member := party.Member(userId)
	if member == nil {
		member = newPartyMember(self, party.Party, payload)
		party.addMember(member)
	}

	if me := party.Me(); me != nil {
		if userId == me.Id() {
			if err := me.joinPatch(self.ctx); err != nil {
				glog.Infof("[party]join patch error = %s\n", err)
			}
		}
		if me.Leader() && !self.defaultMemberConfig.YieldLeadership {
			if err := party.RefreshSquadAssignments(self.ctx, nil, nil, false); err != nil {
				glog.Infof("[party]refresh assignments error = %s\n", err)
			}
		}
	}

	self.bus.Dispatch(EventInternalMemberJoin, member)
	self.bus.Dispatch(EventPartyMemberJoin, member)
	party.UpdatePresence()
}

// handleMemberGone covers leave, kick and expire. Losing the client's own
// membership tears the party down and creates a fresh solo one.
func (self *Client) handleMemberGone(payload map[string]any, eventType string) {
	party := self.eventParty(payload)
	if party == nil {
		return
	}
	userId, _ := payload["account_id"].(string)

	member := party.removeMember(userId)
	if member == nil {
		return
	}

	me := party.Me()
	if me != nil && me.Leader() && userId != me.Id() {
		if err := party.RefreshSquadAssignments(self.ctx, nil, nil, false); err != nil {
			glog.Infof("[party]refresh assignments error = %s\n", err)
		}
	}

	if userId == self.AccountId() {
		if err := self.recreateParty(self.ctx); err != nil {
			glog.Infof("[party]recreate error = %s\n", err)
		}
	} else {
		party.UpdatePresence()
	}

	self.bus.Dispatch(eventType, member)
}

func (self *Client) handleMemberDisconnected(payload map[string]any) {
	party := self.eventParty(payload)
	if party == nil {
		return
	}
	userId, _ := payload["account_id"].(string)

	member := party.Member(userId)
	if member == nil {
		return
	}

	// a stale connection dropping while a live one remains is not a zombie
	data, err := self.api.PartyLookup(self.ctx, party.Id())
	if err == nil {
		if members, ok := data["members"].([]any); ok {
			for _, rawMember := range members {
				memberData, ok := rawMember.(map[string]any)
				if !ok {
					continue
				}
				if id, _ := memberData["account_id"].(string); id != userId {
					continue
				}
				connections, _ := memberData["connections"].([]any)
				if len(connections) <= 1 {
					break
				}
				for _, rawConnection := range connections {
					connection, ok := rawConnection.(map[string]any)
					if !ok {
						continue
					}
					if _, disconnected := connection["disconnected_at"]; !disconnected {
						return
					}
				}
			}
		}
	}

	member.setZombie(true)
	self.bus.Dispatch(EventPartyMemberZombie, member)
}

func (self *Client) handleMemberConnected(payload map[string]any) {
	party := self.eventParty(payload)
	if party == nil {
		return
	}
	userId, _ := payload["account_id"].(string)

	member := party.Member(userId)
	if member == nil {
		return
	}
	member.setZombie(false)

	if userId == self.AccountId() {
		party.UpdatePresence()
	}
	self.bus.Dispatch(EventPartyMemberReconnect, member)
}

func (self *Client) handleNewCaptain(payload map[string]any) {
	party := self.eventParty(payload)
	if party == nil {
		return
	}
	userId, _ := payload["account_id"].(string)

	member := party.Member(userId)
	if member == nil {
		return
	}

	oldLeader := party.Leader()
	party.updateRoles(member)
	party.UpdatePresence()

	self.bus.Dispatch(EventPartyMemberPromote, &MemberPromotion{
		OldLeader: oldLeader,
		NewLeader: member,
	})
}

func (self *Client) handlePartyUpdated(payload map[string]any) {
	party := self.eventParty(payload)
	if party == nil {
		return
	}

	prePlaylist := party.Playlist()
	preFill := party.SquadFill()
	prePrivacy := party.Privacy()

	party.applyUpdate(payload)
	self.bus.Dispatch(EventPartyUpdate, party)

	if playlist := party.Playlist(); playlist != prePlaylist {
		self.bus.Dispatch(EventPartyPlaylistChange, &PartyChange[string]{
			Party:  party,
			Before: prePlaylist,
			After:  playlist,
		})
	}
	if fill := party.SquadFill(); fill != preFill {
		self.bus.Dispatch(EventPartySquadFillChange, &PartyChange[bool]{
			Party:  party,
			Before: preFill,
			After:  fill,
		})
	}
	if privacy := party.Privacy(); privacy != prePrivacy {
		self.bus.Dispatch(EventPartyPrivacyChange, &PartyChange[PartyPrivacy]{
			Party:  party,
			Before: prePrivacy,
			After:  privacy,
		})
	}
}

func (self *Client) handleMemberStateUpdated(payload map[string]any) {
	party := self.eventParty(payload)
	if party == nil {
		return
	}
	userId, _ := payload["account_id"].(string)

	member := party.Member(userId)
	if member == nil {
		// the state update may outrun the join notification
		result, err := self.bus.WaitFor(
			self.ctx,
			EventInternalMemberJoin,
			func(event any) bool {
				joined, ok := event.(*PartyMember)
				return ok && joined.Id() == userId
			},
			time.Second,
		)
		if err == nil {
			member = result.(*PartyMember)
		} else {
			member = self.recoverMember(party, userId)
			if member == nil {
				return
			}
		}
	}

	member.update(payload)
	self.handleAssignmentRequest(party, member, payload)
	self.bus.Dispatch(EventPartyMemberUpdate, member)
}

// recoverMember re-syncs one member from a lookup. The client missing its
// own roster entry means the membership is gone server side, so the party
// is recreated.
func (self *Client) recoverMember(party *ClientParty, userId string) *PartyMember {
	data, err := self.api.PartyLookup(self.ctx, party.Id())
	if err != nil {
		glog.Infof("[party]lookup error = %s\n", err)
		return nil
	}

	if members, ok := data["members"].([]any); ok {
		for _, rawMember := range members {
			memberData, ok := rawMember.(map[string]any)
			if !ok {
				continue
			}
			if id, _ := memberData["account_id"].(string); id != userId {
				continue
			}
			member := newPartyMember(self, party.Party, memberData)
			party.addMember(member)

			me := party.Me()
			if me != nil && me.Leader() && !self.defaultMemberConfig.YieldLeadership {
				if err := party.RefreshSquadAssignments(self.ctx, nil, nil, false); err != nil {
					glog.Infof("[party]refresh assignments error = %s\n", err)
				}
			}
			return member
		}
	}

	if userId == self.AccountId() {
		if me := party.Me(); me != nil {
			if err := me.Leave(self.ctx); err != nil {
				glog.V(2).Infof("[party]leave error = %s\n", err)
			}
		}
		if err := self.recreateParty(self.ctx); err != nil {
			glog.Infof("[party]recreate error = %s\n", err)
		}
	}
	return nil
}

// handleAssignmentRequest reacts to a member's slot change request. The
// leader republishes the assignment list, everyone observes the swap.
func (self *Client) handleAssignmentRequest(party *ClientParty, member *PartyMember, payload map[string]any) {
	me := party.Me()
	if me == nil {
		return
	}

	stateUpdated, ok := payload["member_state_updated"].(map[string]any)
	if !ok {
		return
	}
	raw, ok := stateUpdated["Default:MemberSquadAssignmentRequest_j"].(string)
	if !ok {
		return
	}

	var parsed struct {
		MemberSquadAssignmentRequest struct {
			StartingAbsoluteIdx int    `json:"startingAbsoluteIdx"`
			TargetAbsoluteIdx   int    `json:"targetAbsoluteIdx"`
			SwapTargetMemberId  string `json:"swapTargetMemberId"`
			Version             int    `json:"version"`
		} `json:"MemberSquadAssignmentRequest"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return
	}
	request := parsed.MemberSquadAssignmentRequest

	if request.Version == member.assignmentVersion {
		return
	}
	member.assignmentVersion = request.Version
	if member.Id() == me.Id() {
		me.assignmentVersion = request.Version
	}

	newPositions := map[string]int{
		member.Id(): request.TargetAbsoluteIdx,
	}
	var target *PartyMember
	if request.SwapTargetMemberId != "INVALID" {
		newPositions[request.SwapTargetMemberId] = request.StartingAbsoluteIdx
		target = party.Member(request.SwapTargetMemberId)
	}

	// the flag only withholds the leader's republish, every client still
	// observes the swap request
	if me.Leader() && self.defaultPartyConfig.TeamChangeAllowed {
		if err := party.RefreshSquadAssignments(self.ctx, nil, newPositions, false); err != nil {
			glog.Infof("[party]refresh assignments error = %s\n", err)
		}
	}

	self.bus.Dispatch(EventPartyTeamSwap, &TeamSwap{
		Member: member,
		Target: target,
	})
}

func (self *Client) handleRequireConfirmation(payload map[string]any) {
	party := self.eventParty(payload)
	if party == nil {
		return
	}
	userId, _ := payload["account_id"].(string)

	confirmation := &PartyJoinConfirmation{
		client: self,
		Party:  party,
		UserId: userId,
	}

	// without an application handler, pending members are let in
	if !self.bus.HasListener(EventPartyJoinConfirmation) {
		if err := confirmation.Confirm(self.ctx); err != nil {
			glog.Infof("[party]confirm error = %s\n", err)
		}
		return
	}
	self.bus.Dispatch(EventPartyJoinConfirmation, confirmation)
}

func (self *Client) handleInitialIntention(payload map[string]any) {
	requesterId, _ := payload["requester_id"].(string)

	party := self.Party()
	if party == nil {
		return
	}
	if partyId, _ := payload["party_id"].(string); partyId != party.Id() {
		return
	}

	expiresAt := time.Now().UTC().Add(time.Duration(self.defaultPartyConfig.IntentionTtl) * time.Second)
	if at, ok := payload["expires_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, at); err == nil {
			expiresAt = t.UTC()
		}
	}

	self.bus.Dispatch(EventPartyJoinRequest, &PartyJoinRequest{
		client:      self,
		Party:       party,
		RequesterId: requesterId,
		ExpiresAt:   expiresAt,
	})
}

// chatMessage pulls senderId and body out of a conversation push payload.
func chatMessage(payload map[string]any) (string, string) {
	body, _ := payload["payload"].(map[string]any)
	message, _ := body["message"].(map[string]any)
	senderId, _ := message["senderId"].(string)
	content, _ := message["body"].(string)
	return senderId, content
}

func (self *Client) handleWhisper(payload map[string]any) {
	senderId, content := chatMessage(payload)
	if senderId == "" {
		return
	}

	author := self.friends.Friend(senderId)
	if author == nil {
		// the whisper can outrun the friend add notification
		result, err := self.bus.WaitFor(
			self.ctx,
			EventFriendAdd,
			func(event any) bool {
				friend, ok := event.(*Friend)
				return ok && friend.Id == senderId
			},
			2*time.Second,
		)
		if err != nil {
			return
		}
		author = result.(*Friend)
	}

	self.bus.Dispatch(EventFriendMessage, &FriendMessage{
		Author:  author,
		Content: content,
	})
}

func (self *Client) handleChatMessage(payload map[string]any) {
	senderId, content := chatMessage(payload)
	if senderId == "" || senderId == self.AccountId() {
		return
	}

	party := self.Party()
	if party == nil {
		return
	}
	author := party.Member(senderId)
	if author == nil {
		return
	}

	self.bus.Dispatch(EventPartyMessage, &PartyMessage{
		Party:   party,
		Author:  author,
		Content: content,
	})
}

func (self *Client) handleInviteDeclined(payload map[string]any) {
	inviteeId, _ := payload["invitee_id"].(string)
	if inviteeId == "" {
		return
	}
	self.bus.Dispatch(EventPartyInviteDecline, inviteeId)
}
