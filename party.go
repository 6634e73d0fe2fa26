package lobby

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// PartyPrivacy is one of the service's recognized privacy presets. The
// party document stores the preset as loose properties, so decoding matches
// them back against the known presets.
type PartyPrivacy struct {
	PartyType                string
	InviteRestriction        string
	OnlyLeaderFriendsCanJoin bool
	PresencePermission       string
	InvitePermission         string
	AcceptingMembers         bool
}

var (
	PrivacyPublic = PartyPrivacy{
		PartyType:                "Public",
		InviteRestriction:        "AnyMember",
		OnlyLeaderFriendsCanJoin: false,
		PresencePermission:       "Anyone",
		InvitePermission:         "Anyone",
		AcceptingMembers:         true,
	}
	PrivacyFriendsAllowFriendsOfFriends = PartyPrivacy{
		PartyType:                "FriendsOnly",
		InviteRestriction:        "AnyMember",
		OnlyLeaderFriendsCanJoin: false,
		PresencePermission:       "Anyone",
		InvitePermission:         "AnyMember",
		AcceptingMembers:         true,
	}
	PrivacyFriends = PartyPrivacy{
		PartyType:                "FriendsOnly",
		InviteRestriction:        "LeaderOnly",
		OnlyLeaderFriendsCanJoin: true,
		PresencePermission:       "Leader",
		InvitePermission:         "Leader",
		AcceptingMembers:         false,
	}
	PrivacyPrivateAllowFriendsOfFriends = PartyPrivacy{
		PartyType:                "Private",
		InviteRestriction:        "AnyMember",
		OnlyLeaderFriendsCanJoin: false,
		PresencePermission:       "Noone",
		InvitePermission:         "AnyMember",
		AcceptingMembers:         false,
	}
	PrivacyPrivate = PartyPrivacy{
		PartyType:                "Private",
		InviteRestriction:        "LeaderOnly",
		OnlyLeaderFriendsCanJoin: true,
		PresencePermission:       "Noone",
		InvitePermission:         "Leader",
		AcceptingMembers:         false,
	}
)

var partyPrivacyPresets = []PartyPrivacy{
	PrivacyPublic,
	PrivacyFriendsAllowFriendsOfFriends,
	PrivacyFriends,
	PrivacyPrivateAllowFriendsOfFriends,
	PrivacyPrivate,
}

// matchPrivacy resolves stored privacy properties back to a preset.
func matchPrivacy(partyType string, inviteRestriction string, onlyLeaderFriendsCanJoin bool) (PartyPrivacy, bool) {
	for _, preset := range partyPrivacyPresets {
		if preset.PartyType != partyType {
			continue
		}
		if preset.InviteRestriction != inviteRestriction {
			continue
		}
		if preset.OnlyLeaderFriendsCanJoin != onlyLeaderFriendsCanJoin {
			continue
		}
		return preset, true
	}
	return PartyPrivacy{}, false
}

type PartyDiscoverability string

const (
	DiscoverabilityAll         PartyDiscoverability = "ALL"
	DiscoverabilityInvitedOnly PartyDiscoverability = "INVITED_ONLY"
)

type PartyJoinability string

const (
	JoinabilityOpen            PartyJoinability = "OPEN"
	JoinabilityInviteOnly      PartyJoinability = "INVITE_ONLY"
	JoinabilityInviteAndFormer PartyJoinability = "INVITE_AND_FORMER"
)

// SquadAssignment is a desired slot for one member. A negative Position
// means any free slot. Hidden members stay in the roster but are dropped
// from the published assignment list.
type SquadAssignment struct {
	Position int
	Hidden   bool
}

// SquadSlot is one resolved entry of the published assignment list.
type SquadSlot struct {
	MemberId string
	Position int
	Hidden   bool
}

// PartyConfig is the client-side configuration new parties are created
// with, and the base that server config updates merge over.
type PartyConfig struct {
	Privacy          PartyPrivacy
	MaxSize          int
	ChatEnabled      bool
	Joinability      PartyJoinability
	Discoverability  PartyDiscoverability
	InviteTtlSeconds int
	IntentionTtl     int
	JoinConfirmation bool
	SubType          string
	Type             string

	PositionPriorities            []int
	ReassignPositionsOnSizeChange bool
	DefaultSquadAssignment        SquadAssignment
	TeamChangeAllowed             bool

	// minimum age of a leadership record before a party update may
	// overrule it, so a promote notification wins the race
	LeaderDebounce time.Duration

	Meta []*MetaMutation
}

func DefaultPartyConfig() *PartyConfig {
	positions := make([]int, 16)
	for i := range positions {
		positions[i] = i
	}
	return &PartyConfig{
		Privacy:                PrivacyPublic,
		MaxSize:                16,
		ChatEnabled:            true,
		Joinability:            JoinabilityOpen,
		Discoverability:        DiscoverabilityAll,
		InviteTtlSeconds:       14400,
		IntentionTtl:           60,
		JoinConfirmation:       false,
		SubType:                "default",
		Type:                   "DEFAULT",
		PositionPriorities:     positions,
		DefaultSquadAssignment: SquadAssignment{Position: -1},
		TeamChangeAllowed:      true,
		LeaderDebounce:         3 * time.Second,
		Meta:                   []*MetaMutation{},
	}
}

// UpdateMeta folds mutations into the config, keeping the last mutation
// per operation.
func (self *PartyConfig) UpdateMeta(mutations ...*MetaMutation) {
	self.Meta = dedupeMutations(append(self.Meta, mutations...))
}

func (self *PartyConfig) createPayload() map[string]any {
	return map[string]any{
		"join_confirmation": self.JoinConfirmation,
		"joinability":       string(self.Joinability),
		"discoverability":   string(self.Discoverability),
		"max_size":          self.MaxSize,
	}
}

// PartyMemberConfig is the client-side configuration for the client's own
// roster entry.
type PartyMemberConfig struct {
	YieldLeadership bool
	OfflineTtl      int
	Meta            []*MetaMutation
}

func DefaultPartyMemberConfig() *PartyMemberConfig {
	return &PartyMemberConfig{
		YieldLeadership: false,
		OfflineTtl:      30,
		Meta:            []*MetaMutation{},
	}
}

func (self *PartyMemberConfig) UpdateMeta(mutations ...*MetaMutation) {
	self.Meta = dedupeMutations(append(self.Meta, mutations...))
}

// defaultPartySchema is the document a freshly created party starts from.
func defaultPartySchema(config *PartyConfig) *MetaDocument {
	meta := NewMetaDocument()
	meta.Set("Default:ActivityName_s", "Squad")
	meta.Set("Default:ActivityType_s", "BR")
	meta.Set("Default:AllowJoinInProgress_b", false)
	meta.Set("Default:AthenaPrivateMatch_b", false)
	meta.Set("Default:AthenaSquadFill_b", true)
	meta.Set("Default:CreativePortalCountdownStartTime_s", "0001-01-01T00:00:00.000Z")
	meta.Set("Default:CreativeInGameReadyCheckStatus_s", "None")
	meta.Set("Default:CurrentRegionId_s", "EU")
	meta.Set("Default:CustomMatchKey_s", "")
	meta.Set("Default:GameSessionKey_s", "")
	meta.Set("Default:PartyIsJoinedInProgress_b", false)
	meta.Set("Default:PartyState_s", "BattleRoyaleView")
	meta.Set("Default:PlaylistData_j", map[string]any{
		"PlaylistData": map[string]any{
			"playlistName":   "Playlist_DefaultSquad",
			"tournamentId":   "",
			"eventWindowId":  "",
			"regionId":       "EU",
			"linkId":         map[string]any{"mnemonic": "playlist_defaultsquad", "version": -1},
			"bGracefullyUpgraded": false,
			"matchmakingRulePreset": "RespectParties",
		},
	})
	meta.Set("Default:PrimaryGameSessionId_s", "")
	meta.Set("Default:PrivacySettings_j", map[string]any{
		"PrivacySettings": map[string]any{
			"partyType":                 config.Privacy.PartyType,
			"partyInviteRestriction":    config.Privacy.InviteRestriction,
			"bOnlyLeaderFriendsCanJoin": config.Privacy.OnlyLeaderFriendsCanJoin,
		},
	})
	meta.Set("Default:SquadInformation_j", map[string]any{
		"SquadInformation": map[string]any{
			"rawSquadAssignments": []any{},
			"squadData":           []any{},
		},
	})
	meta.Set("Default:RegionId_s", "EU")
	meta.Set("Default:SelectedIsland_j", map[string]any{
		"SelectedIsland": map[string]any{
			"linkId": map[string]any{
				"mnemonic": "playlist_defaultsquad",
				"version":  -1,
			},
			"session": map[string]any{
				"iD":        "",
				"sessionKey": "",
			},
			"privacy": "NoFill",
		},
	})
	meta.Set("Default:TileStates_j", map[string]any{"TileStates": []any{}})
	meta.Set("Default:ZoneInstanceId_s", "")
	meta.Set("urn:epic:cfg:accepting-members_b", config.Privacy.AcceptingMembers)
	meta.Set("urn:epic:cfg:build-id_s", "1:3:")
	meta.Set("urn:epic:cfg:can-join_b", true)
	meta.Set("urn:epic:cfg:chat-enabled_b", config.ChatEnabled)
	meta.Set("urn:epic:cfg:invite-perm_s", config.Privacy.InvitePermission)
	meta.Set("urn:epic:cfg:join-request-action_s", "Manual")
	meta.Set("urn:epic:cfg:party-type-id_s", "default")
	meta.Set("urn:epic:cfg:presence-perm_s", config.Privacy.PresencePermission)
	meta.Set("VoiceChat:implementation_s", "EOSVoiceChat")
	return meta
}

// Party is a party roster plus its shared document, as observed from
// notifications and lookups.
type Party struct {
	client *Client

	id   string
	meta *MetaDocument

	stateLock sync.Mutex

	memberOrder []string
	members     map[string]*PartyMember
	me          *ClientPartyMember

	assignmentRecords map[string]*SquadAssignment

	maxSize          int
	subType          string
	joinConfirmation bool
	inviteTtlSeconds int
	intentionTtl     int
	joinability      PartyJoinability
	discoverability  PartyDiscoverability
	privacy          PartyPrivacy
}

func newParty(client *Client, data map[string]any) *Party {
	party := &Party{
		client:            client,
		meta:              NewMetaDocument(),
		members:           map[string]*PartyMember{},
		assignmentRecords: map[string]*SquadAssignment{},
		privacy:           client.defaultPartyConfig.Privacy,
		maxSize:           client.defaultPartyConfig.MaxSize,
		subType:           client.defaultPartyConfig.SubType,
	}
	party.id, _ = data["id"].(string)
	if config, ok := data["config"].(map[string]any); ok {
		party.applyConfig(config)
	}
	if rawMeta, ok := data["meta"].(map[string]any); ok {
		party.meta.Update(stringValues(rawMeta))
	}
	party.refreshPrivacy()
	party.loadRawAssignments()
	return party
}

func (self *Party) Id() string {
	return self.id
}

func (self *Party) Meta() *MetaDocument {
	return self.meta
}

func (self *Party) Me() *ClientPartyMember {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.me
}

func (self *Party) Member(userId string) *PartyMember {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.members[userId]
}

// Members returns the roster in join order.
func (self *Party) Members() []*PartyMember {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	members := make([]*PartyMember, 0, len(self.memberOrder))
	for _, userId := range self.memberOrder {
		members = append(members, self.members[userId])
	}
	return members
}

func (self *Party) MemberCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.members)
}

func (self *Party) Leader() *PartyMember {
	for _, member := range self.Members() {
		if member.Leader() {
			return member
		}
	}
	return nil
}

func (self *Party) MaxSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.maxSize
}

func (self *Party) SubType() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.subType
}

func (self *Party) Privacy() PartyPrivacy {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.privacy
}

func (self *Party) SquadFill() bool {
	return self.meta.GetBool("Default:AthenaSquadFill_b")
}

func (self *Party) Playlist() string {
	island := jsonChild(self.meta.GetJson("Default:SelectedIsland_j"), "SelectedIsland")
	linkId := jsonChild(island, "linkId")
	mnemonic, _ := linkId["mnemonic"].(string)
	return mnemonic
}

func (self *Party) Region() string {
	return self.meta.GetString("Default:RegionId_s")
}

func (self *Party) CustomKey() string {
	return self.meta.GetString("Default:CustomMatchKey_s")
}

// SquadAssignments returns the resolved slots, position ascending.
func (self *Party) SquadAssignments() []SquadSlot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.assignmentSlotsLocked()
}

func (self *Party) assignmentSlotsLocked() []SquadSlot {
	slots := make([]SquadSlot, 0, len(self.assignmentRecords))
	for memberId, assignment := range self.assignmentRecords {
		slots = append(slots, SquadSlot{
			MemberId: memberId,
			Position: assignment.Position,
			Hidden:   assignment.Hidden,
		})
	}
	sort.Slice(slots, func(i int, j int) bool {
		return slots[i].Position < slots[j].Position
	})
	return slots
}

func (self *Party) addMember(member *PartyMember) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if _, ok := self.members[member.id]; !ok {
		self.memberOrder = append(self.memberOrder, member.id)
	}
	self.members[member.id] = member
}

func (self *Party) removeMember(userId string) *PartyMember {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	member, ok := self.members[userId]
	if !ok {
		return nil
	}
	delete(self.members, userId)
	delete(self.assignmentRecords, userId)
	if i := slices.Index(self.memberOrder, userId); 0 <= i {
		self.memberOrder = slices.Delete(self.memberOrder, i, i+1)
	}
	return member
}

func (self *Party) applyConfig(config map[string]any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if maxSize, ok := asInt(config["max_size"]); ok {
		self.maxSize = maxSize
	}
	if maxSize, ok := asInt(config["max_number_of_members"]); ok {
		self.maxSize = maxSize
	}
	if inviteTtl, ok := asInt(config["invite_ttl_seconds"]); ok {
		self.inviteTtlSeconds = inviteTtl
	}
	if inviteTtl, ok := asInt(config["invite_ttl"]); ok {
		self.inviteTtlSeconds = inviteTtl
	}
	if intentionTtl, ok := asInt(config["intention_ttl"]); ok {
		self.intentionTtl = intentionTtl
	}
	if subType, ok := config["sub_type"].(string); ok {
		self.subType = subType
	}
	if subType, ok := config["party_sub_type"].(string); ok {
		self.subType = subType
	}
	if joinability, ok := config["joinability"].(string); ok {
		self.joinability = PartyJoinability(joinability)
	}
	if discoverability, ok := config["discoverability"].(string); ok {
		self.discoverability = PartyDiscoverability(discoverability)
	}
	if joinConfirmation, ok := config["join_confirmation"].(bool); ok {
		self.joinConfirmation = joinConfirmation
	}
}

// refreshPrivacy resolves the stored privacy properties to a preset.
func (self *Party) refreshPrivacy() {
	settings := jsonChild(self.meta.GetJson("Default:PrivacySettings_j"), "PrivacySettings")
	partyType, _ := settings["partyType"].(string)
	inviteRestriction, _ := settings["partyInviteRestriction"].(string)
	onlyLeaderFriends, _ := settings["bOnlyLeaderFriendsCanJoin"].(bool)
	if preset, ok := matchPrivacy(partyType, inviteRestriction, onlyLeaderFriends); ok {
		self.stateLock.Lock()
		self.privacy = preset
		self.stateLock.Unlock()
	}
}

func (self *Party) loadRawAssignments() {
	info := jsonChild(self.meta.GetJson("Default:SquadInformation_j"), "SquadInformation")
	raw, _ := info["rawSquadAssignments"].([]any)
	records := map[string]*SquadAssignment{}
	for _, rawEntry := range raw {
		entry, ok := rawEntry.(map[string]any)
		if !ok {
			continue
		}
		memberId, _ := entry["memberId"].(string)
		position, _ := asInt(entry["absoluteMemberIdx"])
		if memberId != "" {
			records[memberId] = &SquadAssignment{Position: position}
		}
	}
	self.stateLock.Lock()
	self.assignmentRecords = records
	self.stateLock.Unlock()
}

// applyUpdate merges a party update notification into local state.
func (self *Party) applyUpdate(data map[string]any) {
	config, ok := data["config"].(map[string]any)
	if !ok {
		config = map[string]any{}
		for source, target := range map[string]string{
			"party_privacy_type":    "joinability",
			"max_number_of_members": "max_size",
			"party_sub_type":        "sub_type",
			"party_type":            "type",
			"invite_ttl_seconds":    "invite_ttl_seconds",
		} {
			if value, ok := data[source]; ok {
				config[target] = value
			}
		}
	}
	self.applyConfig(config)

	assignmentsChanged := false
	if updated, ok := data["party_state_updated"].(map[string]any); ok {
		key := "Default:SquadInformation_j"
		if incoming, ok := updated[key].(string); ok && incoming != "" {
			if existing, _ := self.meta.Raw(key); incoming != existing {
				assignmentsChanged = true
			}
		}
		self.meta.Update(stringValues(updated))
	}
	if removed, ok := data["party_state_removed"].([]any); ok {
		keys := []string{}
		for _, rawKey := range removed {
			if key, ok := rawKey.(string); ok {
				keys = append(keys, key)
			}
		}
		self.meta.Remove(keys)
	}

	self.refreshPrivacy()

	// A promote notification carries the authoritative leadership change,
	// so a concurrent party update only overrules a leadership record
	// that has settled past the debounce window. The client's own party
	// relies on the promote notification alone.
	if self.Me() == nil {
		if captainId, ok := data["captain_id"].(string); ok && captainId != "" {
			leader := self.Leader()
			if leader != nil && leader.id != captainId {
				if self.client.defaultPartyConfig.LeaderDebounce < time.Since(leader.roleSettledAt()) {
					if member := self.Member(captainId); member != nil {
						self.updateRoles(member)
					}
				}
			}
		}
	}

	if assignmentsChanged {
		leader := self.Leader()
		me := self.Me()
		if leader != nil && (me == nil || leader.id != me.Id()) {
			self.loadRawAssignments()
		}
	}
}

func (self *Party) updateRoles(newLeader *PartyMember) {
	for _, member := range self.Members() {
		member.demote()
	}
	newLeader.updateRole(RoleCaptain)
}

// ClientParty is the party the client is a member of. It adds the commit
// surface over the shared document.
type ClientParty struct {
	*Party

	patchable *Patchable
}

func newClientParty(client *Client, data map[string]any) *ClientParty {
	base := newParty(client, data)

	defaults := defaultPartySchema(client.defaultPartyConfig)
	defaults.Update(base.meta.Snapshot())
	base.meta = defaults

	party := &ClientParty{
		Party: base,
	}
	party.patchable = newPatchable(party.meta, party.commit)
	if revision, ok := asInt(data["revision"]); ok {
		party.patchable.SetRevision(revision)
	}
	party.patchable.MarkReady()
	party.refreshPrivacy()
	party.loadRawAssignments()
	return party
}

func (self *ClientParty) commit(ctx context.Context, updated map[string]string, deleted []string, override map[string]string, config map[string]any, revision int) error {
	return self.client.api.PartyUpdateMeta(ctx, &PartyMetaUpdateArgs{
		PartyId:  self.id,
		Updated:  updated,
		Deleted:  deleted,
		Override: override,
		Config:   config,
		Revision: revision,
	})
}

func (self *ClientParty) Patchable() *Patchable {
	return self.patchable
}

func (self *ClientParty) setMe(me *ClientPartyMember) {
	self.stateLock.Lock()
	self.me = me
	self.stateLock.Unlock()
}

func (self *ClientParty) requireLeader() error {
	me := self.Me()
	if me == nil || !me.Leader() {
		return newPartyError("you have to be the party leader for this action")
	}
	return nil
}

// Invite sends a party invite to a user.
func (self *ClientParty) Invite(ctx context.Context, userId string) error {
	if self.Member(userId) != nil {
		return newPartyError("user is already in your party")
	}
	if self.MaxSize() <= self.MemberCount() {
		return newPartyError("party is full")
	}
	return self.client.api.PartySendInvite(ctx, self.id, userId, map[string]string{
		"urn:epic:cfg:build-id_s":        self.client.partyBuildId(),
		"urn:epic:conn:platform_s":       self.client.settings.Platform,
		"urn:epic:conn:type_s":           "game",
		"urn:epic:invite:platformdata_s": "",
	})
}

const chatMessageLimit = 256

// SendChat posts a message to the party conversation.
func (self *ClientParty) SendChat(ctx context.Context, content string) error {
	if chatMessageLimit < len(content) {
		return newPartyError("message is longer than %d characters", chatMessageLimit)
	}
	if self.MemberCount() <= 1 {
		return newPartyError("party has no other members")
	}
	return self.client.api.PartyChatSend(ctx, self.id, self.client.AccountId(), content)
}

// Edit batches party document mutations into a single commit.
func (self *ClientParty) Edit(ctx context.Context, mutations ...*MetaMutation) error {
	return self.patchable.Edit(ctx, mutations...)
}

// EditAndKeep batches mutations and folds them into the default party
// config so future parties replay them.
func (self *ClientParty) EditAndKeep(ctx context.Context, mutations ...*MetaMutation) error {
	self.client.defaultPartyConfig.UpdateMeta(mutations...)
	return self.patchable.Edit(ctx, mutations...)
}

// SetPrivacy switches the party privacy preset. Leader only. A Private
// preset also restricts discoverability and joinability, a public one
// restores them.
func (self *ClientParty) SetPrivacy(ctx context.Context, privacy PartyPrivacy) error {
	if err := self.requireLeader(); err != nil {
		return err
	}

	updated := map[string]string{}
	deleted := []string{}

	settingsKey := "Default:PrivacySettings_j"
	settings := jsonChild(self.meta.GetJson(settingsKey), "PrivacySettings")
	settings["partyType"] = privacy.PartyType
	settings["partyInviteRestriction"] = privacy.InviteRestriction
	settings["bOnlyLeaderFriendsCanJoin"] = privacy.OnlyLeaderFriendsCanJoin
	self.meta.Set(settingsKey, map[string]any{"PrivacySettings": settings})
	updated[settingsKey], _ = self.meta.Raw(settingsKey)

	for key, value := range map[string]any{
		"urn:epic:cfg:presence-perm_s":    privacy.PresencePermission,
		"urn:epic:cfg:accepting-members_b": privacy.AcceptingMembers,
		"urn:epic:cfg:invite-perm_s":      privacy.InvitePermission,
	} {
		self.meta.Set(key, value)
		updated[key], _ = self.meta.Raw(key)
	}

	if privacy.PartyType != "Public" && privacy.PartyType != "FriendsOnly" {
		key := "urn:epic:cfg:not-accepting-members"
		self.meta.Delete(key)
		deleted = append(deleted, key)
	}

	reasonKey := "urn:epic:cfg:not-accepting-members-reason_i"
	if privacy.PartyType == "Private" {
		self.meta.SetRaw(reasonKey, "7")
		updated[reasonKey] = "7"
		self.patchable.SetConfig("discoverability", string(DiscoverabilityInvitedOnly))
		self.patchable.SetConfig("joinability", string(JoinabilityInviteAndFormer))
	} else {
		self.meta.Delete(reasonKey)
		deleted = append(deleted, reasonKey)
		self.patchable.SetConfig("discoverability", string(DiscoverabilityAll))
		self.patchable.SetConfig("joinability", string(JoinabilityOpen))
	}

	self.stateLock.Lock()
	self.privacy = privacy
	self.stateLock.Unlock()

	if self.patchable.InEdit() {
		return nil
	}
	return self.patchable.Patch(ctx, updated, deleted, nil)
}

func (self *ClientParty) SetPlaylist(ctx context.Context, playlist string, version int) error {
	if err := self.requireLeader(); err != nil {
		return err
	}
	return self.patchable.Run(ctx, MutationPlaylist(playlist, version))
}

func (self *ClientParty) SetRegion(ctx context.Context, region string) error {
	if err := self.requireLeader(); err != nil {
		return err
	}
	return self.patchable.Run(ctx, MutationRegion(region))
}

func (self *ClientParty) SetCustomKey(ctx context.Context, key string) error {
	if err := self.requireLeader(); err != nil {
		return err
	}
	return self.patchable.Run(ctx, MutationCustomKey(key))
}

func (self *ClientParty) SetSquadFill(ctx context.Context, fill bool) error {
	if err := self.requireLeader(); err != nil {
		return err
	}
	return self.patchable.Run(ctx, MutationSquadFill(fill))
}

// SetMaxSize resizes the party. Leader only, 1 through 16, never below
// the current member count.
func (self *ClientParty) SetMaxSize(ctx context.Context, size int) error {
	if err := self.requireLeader(); err != nil {
		return err
	}
	if size < self.MemberCount() {
		return newPartyError("new size is lower than current member count")
	}
	if size < 1 || 16 < size {
		return newPartyError("party size must be between 1 and 16")
	}
	self.patchable.SetConfig("max_size", size)
	if self.patchable.InEdit() {
		return nil
	}
	return self.patchable.Patch(ctx, nil, nil, nil)
}

// ConstructSquadAssignments resolves the desired slot for every member.
// Explicit assignments claim their positions first, then everyone else
// keeps their previous slot when it is still free, otherwise takes the
// next position by priority.
func (self *ClientParty) ConstructSquadAssignments(assignments map[string]*SquadAssignment, newPositions map[string]int) ([]SquadSlot, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	config := self.client.defaultPartyConfig
	existing := self.assignmentRecords
	positions := slices.Clone(config.PositionPriorities)
	results := map[string]*SquadAssignment{}

	takePosition := func(position int) bool {
		if i := slices.Index(positions, position); 0 <= i {
			positions = slices.Delete(positions, i, i+1)
			return true
		}
		return false
	}
	popNext := func() int {
		position := positions[0]
		positions = positions[1:]
		return position
	}
	baseOf := func(memberId string) SquadAssignment {
		if previous, ok := existing[memberId]; ok {
			return *previous
		}
		return config.DefaultSquadAssignment
	}

	for _, memberId := range sortedKeys(newPositions) {
		if _, ok := self.members[memberId]; !ok {
			continue
		}
		assignment := baseOf(memberId)
		assignment.Position = newPositions[memberId]
		if !takePosition(assignment.Position) {
			return nil, newPartyError("position %d is not available", assignment.Position)
		}
		results[memberId] = &assignment
	}

	for _, memberId := range sortedKeys(assignments) {
		if _, ok := results[memberId]; ok {
			continue
		}
		assignment := *assignments[memberId]
		if 0 <= assignment.Position {
			if !takePosition(assignment.Position) {
				return nil, newPartyError("duplicate positions set")
			}
		} else {
			assignment.Position = popNext()
		}
		results[memberId] = &assignment
	}

	for _, memberId := range self.memberOrder {
		if _, ok := results[memberId]; ok {
			continue
		}
		assignment := baseOf(memberId)
		_, hadPrevious := existing[memberId]
		reassign := config.ReassignPositionsOnSizeChange || !hadPrevious
		if hadPrevious && !slices.Contains(positions, assignment.Position) {
			reassign = true
		}
		if reassign {
			assignment.Position = popNext()
		} else {
			takePosition(assignment.Position)
		}
		results[memberId] = &assignment
	}

	self.assignmentRecords = results
	return self.assignmentSlotsLocked(), nil
}

// RefreshSquadAssignments recomputes and publishes the assignment list.
// couldBeEdit suppresses the commit while an edit batch is running.
func (self *ClientParty) RefreshSquadAssignments(ctx context.Context, assignments map[string]*SquadAssignment, newPositions map[string]int, couldBeEdit bool) error {
	slots, err := self.ConstructSquadAssignments(assignments, newPositions)
	if err != nil {
		return err
	}
	mutation := MutationSquadAssignments(slots)
	updated := mutation.Apply(self.meta)
	if couldBeEdit && self.patchable.InEdit() {
		return nil
	}
	return self.patchable.Patch(ctx, updated, nil, nil)
}

// SetSquadAssignments publishes explicit assignments for some members.
// Members missing from the map keep or get slots automatically.
func (self *ClientParty) SetSquadAssignments(ctx context.Context, assignments map[string]*SquadAssignment) error {
	if err := self.requireLeader(); err != nil {
		return err
	}
	return self.RefreshSquadAssignments(ctx, assignments, nil, false)
}

// Mutation builders for the party document. Same batching contract as the
// member ones, two mutations with the same operation id keep the last.

func MutationPlaylist(playlist string, version int) *MetaMutation {
	return &MetaMutation{
		OperationId: "party.playlist",
		Apply: func(meta *MetaDocument) map[string]string {
			return updateJsonProp(meta, "Default:SelectedIsland_j", "SelectedIsland", func(data map[string]any) {
				data["linkId"] = map[string]any{
					"mnemonic": playlist,
					"version":  version,
				}
			})
		},
	}
}

func MutationRegion(region string) *MetaMutation {
	return &MetaMutation{
		OperationId: "party.region",
		Apply: func(meta *MetaDocument) map[string]string {
			key := "Default:RegionId_s"
			meta.Set(key, region)
			raw, _ := meta.Raw(key)
			return map[string]string{key: raw}
		},
	}
}

func MutationCustomKey(customKey string) *MetaMutation {
	return &MetaMutation{
		OperationId: "party.custom_key",
		Apply: func(meta *MetaDocument) map[string]string {
			key := "Default:CustomMatchKey_s"
			meta.Set(key, customKey)
			raw, _ := meta.Raw(key)
			return map[string]string{key: raw}
		},
	}
}

func MutationSquadFill(fill bool) *MetaMutation {
	return &MetaMutation{
		OperationId: "party.squad_fill",
		Apply: func(meta *MetaDocument) map[string]string {
			key := "Default:AthenaSquadFill_b"
			meta.Set(key, fill)
			raw, _ := meta.Raw(key)
			return map[string]string{key: raw}
		},
	}
}

func MutationSquadAssignments(slots []SquadSlot) *MetaMutation {
	return &MetaMutation{
		OperationId: "party.squad_assignments",
		Apply: func(meta *MetaDocument) map[string]string {
			raw := []any{}
			for _, slot := range slots {
				if slot.Hidden {
					continue
				}
				raw = append(raw, map[string]any{
					"memberId":          slot.MemberId,
					"absoluteMemberIdx": slot.Position,
				})
			}
			key := "Default:SquadInformation_j"
			meta.Set(key, map[string]any{
				"SquadInformation": map[string]any{
					"rawSquadAssignments": raw,
					"squadData": []any{
						map[string]any{
							"jamTempo": 0,
							"jamKey":   0,
							"jamMode":  0,
						},
					},
				},
			})
			rawProp, _ := meta.Raw(key)
			return map[string]string{key: rawProp}
		},
	}
}

const (
	presencePartyTypeId = 286331153
	presencePartyFlags  = -2024557306
)

// constructPresenceStatus builds the availability blob other sessions see.
// Join info is withheld when the presence permission forbids it.
func (self *ClientParty) constructPresenceStatus(statusText string) *PresenceStatus {
	presencePerm := self.meta.GetString("urn:epic:cfg:presence-perm_s")
	me := self.Me()

	closed := presencePerm == "Noone"
	if presencePerm == "Leader" && (me == nil || !me.Leader()) {
		closed = true
	}

	var joinData map[string]any
	if closed {
		joinData = map[string]any{
			"bInPrivate": true,
		}
	} else {
		joinData = map[string]any{
			"sourceId":          self.client.AccountId(),
			"sourceDisplayName": self.client.DisplayName(),
			"sourcePlatform":    self.client.settings.Platform,
			"partyId":           self.id,
			"partyTypeId":       presencePartyTypeId,
			"key":               "k",
			"appId":             "Fortnite",
			"buildId":           self.client.partyBuildId(),
			"partyFlags":        presencePartyFlags,
			"notAcceptingReason": 0,
			"pc":                self.MemberCount(),
		}
	}

	if statusText == "" {
		statusText = fmt.Sprintf("Battle Royale Lobby - %d / %d", self.MemberCount(), self.MaxSize())
	}

	return &PresenceStatus{
		Status:      statusText,
		ProductName: "Fortnite",
		IsPlaying:   true,
		IsJoinable:  false,
		SessionId:   "",
		Properties: map[string]any{
			"party.joininfodata.286331153_j": joinData,
			"FortBasicInfo_j": map[string]any{
				"homeBaseRating": 1,
			},
			"FortLFG_I":            "0",
			"FortPartySize_i":      1,
			"FortSubGame_i":        1,
			"InUnjoinableMatch_b":  false,
			"FortGameplayStats_j": map[string]any{
				"state":        "",
				"playlist":     "None",
				"numKills":     0,
				"bFellToDeath": false,
			},
			"GamePlaylistName_s":   self.Playlist(),
			"Event_PlayersAlive_s": "0",
			"Event_PartySize_s":    fmt.Sprintf("%d", self.MemberCount()),
			"Event_PartyMaxSize_s": fmt.Sprintf("%d", self.MaxSize()),
		},
	}
}

// UpdatePresence republishes the availability blob for the current party
// state.
func (self *ClientParty) UpdatePresence() {
	self.client.publishPartyPresence(self)
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}
