package lobby

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

type PartyRole string

const (
	RoleMember  PartyRole = ""
	RoleCaptain PartyRole = "CAPTAIN"
)

type ReadyState string

const (
	ReadyStateReady      ReadyState = "Ready"
	ReadyStateNotReady   ReadyState = "NotReady"
	ReadyStateSittingOut ReadyState = "SittingOut"
)

const defaultCharacter = "CID_001_Athena_Commando_F_Default"

// defaultMemberSchema is the document every member of a party starts from.
// The service omits default-valued properties, so the client's own member
// pre-populates the full set before its first commit.
func defaultMemberSchema(platform string) *MetaDocument {
	meta := NewMetaDocument()
	meta.Set("Default:CurrentIsland_j", map[string]any{
		"CurrentIsland": map[string]any{
			"linkId":    map[string]any{"mnemonic": "", "version": -1},
			"worldId":   map[string]any{"iD": "", "ownerId": "INVALID", "name": ""},
			"sessionId": "",
			"joinInfo": map[string]any{
				"islandJoinability": "CanNotBeJoinedOrWatched",
				"bIsWorldJoinable":  false,
				"sessionKey":        "",
			},
		},
	})
	meta.Set("Default:ArbitraryCustomDataStore_j", map[string]any{
		"ArbitraryCustomDataStore": []any{},
	})
	meta.Set("Default:AthenaBannerInfo_j", map[string]any{
		"AthenaBannerInfo": map[string]any{
			"bannerIconId":  "standardbanner15",
			"bannerColorId": "defaultcolor15",
			"seasonLevel":   1,
		},
	})
	meta.Set("Default:AthenaCosmeticLoadoutVariants_j", map[string]any{
		"AthenaCosmeticLoadoutVariants": map[string]any{
			"vL": map[string]any{},
			"fT": false,
		},
	})
	meta.Set("Default:AthenaCosmeticLoadout_j", map[string]any{
		"AthenaCosmeticLoadout": map[string]any{
			"characterPrimaryAssetId": fmt.Sprintf("AthenaCharacter:%s", defaultCharacter),
			"characterEKey":           "",
			"backpackDef":             "None",
			"backpackEKey":            "",
			"pickaxeDef":              "/Game/Athena/Items/Cosmetics/Pickaxes/DefaultPickaxe.DefaultPickaxe",
			"pickaxeEKey":             "",
			"contrailDef":             "/Game/Athena/Items/Cosmetics/Contrails/DefaultContrail.DefaultContrail",
			"contrailEKey":            "",
			"shoesDef":                "None",
			"shoesEKey":               "",
			"scratchpad":              []any{},
			"cosmeticStats": []any{
				map[string]any{"statName": "HabaneroProgression", "statValue": 0},
				map[string]any{"statName": "TotalVictoryCrowns", "statValue": 0},
				map[string]any{"statName": "TotalRoyalRoyales", "statValue": 0},
				map[string]any{"statName": "HasCrown", "statValue": 0},
			},
		},
	})
	meta.Set("Default:BattlePassInfo_j", map[string]any{
		"BattlePassInfo": map[string]any{
			"bHasPurchasedPass": false,
			"passLevel":         1,
		},
	})
	meta.Set("Default:bIsPartyUsingPartySignal_b", false)
	meta.Set("Default:CrossplayPreference_s", "OptedIn")
	meta.Set("Default:FeatDefinition_s", "None")
	meta.Set("Default:FrontEndMapMarker_j", map[string]any{
		"FrontEndMapMarker": map[string]any{
			"markerLocation": map[string]any{"x": 0, "y": 0},
			"bIsSet":         false,
		},
	})
	meta.Set("Default:FrontendEmote_j", map[string]any{
		"FrontendEmote": map[string]any{
			"pickable":     "None",
			"emoteEKey":    "",
			"emoteSection": -1,
		},
	})
	meta.Set("Default:JoinMethod_s", "Creation")
	meta.Set("Default:LobbyState_j", map[string]any{
		"LobbyState": map[string]any{
			"inGameReadyCheckStatus":    "None",
			"gameReadiness":             "NotReady",
			"readyInputType":            "Count",
			"currentInputType":          "MouseAndKeyboard",
			"hiddenMatchmakingDelayMax": 0,
			"hasPreloadedAthena":        false,
		},
	})
	meta.Set("Default:MemberSquadAssignmentRequest_j", map[string]any{
		"MemberSquadAssignmentRequest": map[string]any{
			"startingAbsoluteIdx": -1,
			"targetAbsoluteIdx":   -1,
			"swapTargetMemberId":  "INVALID",
			"version":             0,
		},
	})
	meta.Set("Default:NumAthenaPlayersLeft_U", 0)
	meta.Set("Default:PackedState_j", map[string]any{
		"PackedState": map[string]any{
			"subGame":                 "Athena",
			"location":                "PreLobby",
			"gameMode":                "None",
			"voiceChatStatus":         "PartyVoice",
			"hasCompletedSTWTutorial": false,
			"hasPurchasedSTW":         false,
			"platformSupportsSTW":     true,
			"bReturnToLobbyAndReadyUp": false,
			"bHideReadyUp":            false,
			"bDownloadOnDemandActive": false,
			"bIsPartyLFG":             false,
			"bShouldRecordPartyChannel": false,
		},
	})
	meta.Set("Default:PlatformData_j", map[string]any{
		"PlatformData": map[string]any{
			"platform": map[string]any{
				"platformDescription": map[string]any{
					"name":                platform,
					"platformType":        "DESKTOP",
					"onlineSubsystem":     "None",
					"sessionType":         "",
					"externalAccountType": "",
					"crossplayPool":       "DESKTOP",
				},
			},
			"uniqueId":  "INVALID",
			"sessionId": "",
		},
	})
	meta.Set("Default:SpectateInfo_j", map[string]any{
		"SpectateInfo": map[string]any{
			"gameSessionId":  "",
			"gameSessionKey": "",
		},
	})
	meta.Set("Default:UtcTimeStartedMatchAthena_s", "0001-01-01T00:00:00.000Z")
	return meta
}

// PartyMember is one entry in a party roster. Replicated updates land from
// handler goroutines, so the mutable identity fields sit behind a lock the
// same way the meta document does.
type PartyMember struct {
	client *Client
	party  *Party

	id string

	stateLock     sync.Mutex
	displayName   string
	role          PartyRole
	roleUpdatedAt time.Time
	joinedAt      time.Time
	revision      int
	zombie        bool

	assignmentVersion int

	meta *MetaDocument
}

func newPartyMember(client *Client, party *Party, data map[string]any) *PartyMember {
	member := &PartyMember{
		client: client,
		party:  party,
		meta:   NewMetaDocument(),
	}
	member.id, _ = data["account_id"].(string)
	if member.id == "" {
		member.id, _ = data["accountId"].(string)
	}
	member.update(data)
	return member
}

func (self *PartyMember) update(data map[string]any) {
	self.stateLock.Lock()
	if displayName, ok := data["account_dn"].(string); ok {
		self.displayName = displayName
	}
	if role, ok := data["role"].(string); ok {
		self.role = PartyRole(role)
		if self.role == RoleCaptain {
			self.roleUpdatedAt = time.Now()
		}
	}
	if joinedAt, ok := data["joined_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, joinedAt); err == nil {
			self.joinedAt = t.UTC()
		}
	}
	if revision, ok := data["revision"].(float64); ok && self.revision < int(revision) {
		self.revision = int(revision)
	}
	self.stateLock.Unlock()

	if rawMeta, ok := data["meta"].(map[string]any); ok {
		self.meta.Update(stringValues(rawMeta))
	}
	if stateUpdated, ok := data["member_state_updated"].(map[string]any); ok {
		self.meta.Update(stringValues(stateUpdated))
	}
	if stateRemoved, ok := data["member_state_removed"].([]any); ok {
		keys := []string{}
		for _, rawKey := range stateRemoved {
			if key, ok := rawKey.(string); ok {
				keys = append(keys, key)
			}
		}
		self.meta.Remove(keys)
	}
}

func (self *PartyMember) updateRole(role PartyRole) {
	self.stateLock.Lock()
	self.role = role
	self.roleUpdatedAt = time.Now()
	self.stateLock.Unlock()
}

func (self *PartyMember) demote() {
	self.stateLock.Lock()
	self.role = RoleMember
	self.stateLock.Unlock()
}

func (self *PartyMember) setZombie(zombie bool) {
	self.stateLock.Lock()
	self.zombie = zombie
	self.stateLock.Unlock()
}

func (self *PartyMember) roleSettledAt() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.roleUpdatedAt
}

func (self *PartyMember) Id() string {
	return self.id
}

func (self *PartyMember) DisplayName() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.displayName
}

func (self *PartyMember) Role() PartyRole {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.role
}

func (self *PartyMember) Leader() bool {
	return self.Role() == RoleCaptain
}

func (self *PartyMember) JoinedAt() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.joinedAt
}

func (self *PartyMember) Zombie() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.zombie
}

func (self *PartyMember) Meta() *MetaDocument {
	return self.meta
}

// Position is this member's slot in the party's squad assignment.
func (self *PartyMember) Position() int {
	for _, slot := range self.party.SquadAssignments() {
		if slot.MemberId == self.id {
			return slot.Position
		}
	}
	return -1
}

func (self *PartyMember) Ready() ReadyState {
	lobbyState := jsonChild(self.meta.GetJson("Default:LobbyState_j"), "LobbyState")
	readiness, ok := lobbyState["gameReadiness"].(string)
	if !ok {
		return ReadyStateNotReady
	}
	return ReadyState(readiness)
}

func (self *PartyMember) Outfit() string {
	loadout := jsonChild(self.meta.GetJson("Default:AthenaCosmeticLoadout_j"), "AthenaCosmeticLoadout")
	outfit, _ := loadout["characterPrimaryAssetId"].(string)
	return outfit
}

func (self *PartyMember) Backpack() string {
	loadout := jsonChild(self.meta.GetJson("Default:AthenaCosmeticLoadout_j"), "AthenaCosmeticLoadout")
	backpack, _ := loadout["backpackDef"].(string)
	return backpack
}

func (self *PartyMember) Pickaxe() string {
	loadout := jsonChild(self.meta.GetJson("Default:AthenaCosmeticLoadout_j"), "AthenaCosmeticLoadout")
	pickaxe, _ := loadout["pickaxeDef"].(string)
	return pickaxe
}

func (self *PartyMember) Emote() string {
	emote := jsonChild(self.meta.GetJson("Default:FrontendEmote_j"), "FrontendEmote")
	pickable, _ := emote["pickable"].(string)
	return pickable
}

func (self *PartyMember) Platform() string {
	platformData := jsonChild(self.meta.GetJson("Default:PlatformData_j"), "PlatformData")
	platform := jsonChild(platformData, "platform")
	description := jsonChild(platform, "platformDescription")
	name, _ := description["name"].(string)
	return name
}

func (self *PartyMember) InMatch() bool {
	packedState := jsonChild(self.meta.GetJson("Default:PackedState_j"), "PackedState")
	location, _ := packedState["location"].(string)
	return location == "InGame"
}

func (self *PartyMember) MatchPlayersLeft() int {
	return self.meta.GetUint("Default:NumAthenaPlayersLeft_U")
}

func (self *PartyMember) CustomDataStore() []string {
	store := self.meta.GetJson("Default:ArbitraryCustomDataStore_j")
	rawEntries, _ := store["ArbitraryCustomDataStore"].([]any)
	entries := []string{}
	for _, entry := range rawEntries {
		if s, ok := entry.(string); ok {
			entries = append(entries, s)
		}
	}
	return entries
}

func (self *PartyMember) variants() map[string]any {
	loadoutVariants := jsonChild(self.meta.GetJson("Default:AthenaCosmeticLoadoutVariants_j"), "AthenaCosmeticLoadoutVariants")
	return jsonChild(loadoutVariants, "vL")
}

// Corruption returns the member's corruption value, or false if none set.
// The stored entries carry no channel correlation, so any variant on the
// Corruption channel selects the first parseable float from the data store.
func (self *PartyMember) Corruption() (float64, bool) {
	data := self.CustomDataStore()
	if len(data) == 0 {
		return 0, false
	}
	for _, variants := range self.variants() {
		variantMap, ok := variants.(map[string]any)
		if !ok {
			continue
		}
		inner, _ := variantMap["i"].([]any)
		for _, rawVariant := range inner {
			variant, ok := rawVariant.(map[string]any)
			if !ok {
				continue
			}
			if channel, _ := variant["c"].(string); channel != "Corruption" {
				continue
			}
			for _, stored := range data {
				if v, err := strconv.ParseFloat(stored, 64); err == nil {
					return v, true
				}
			}
		}
	}
	return 0, false
}

func (self *PartyMember) HasCrown() bool {
	loadout := jsonChild(self.meta.GetJson("Default:AthenaCosmeticLoadout_j"), "AthenaCosmeticLoadout")
	stats, _ := loadout["cosmeticStats"].([]any)
	if len(stats) < 4 {
		return false
	}
	stat, ok := stats[3].(map[string]any)
	if !ok {
		return false
	}
	value, _ := stat["statValue"].(float64)
	return value != 0
}

// Kick removes this member from the party. Leader only.
func (self *PartyMember) Kick(ctx context.Context) error {
	me := self.party.Me()
	if me == nil || !me.Leader() {
		return newPartyError("you have to be the party leader to kick members")
	}
	if self.id == me.Id() {
		return newPartyError("cannot kick yourself")
	}
	err := self.client.api.PartyKickMember(ctx, self.party.Id(), self.id)
	if IsMessageCode(err, MessageCodeChangeForbidden) {
		return newPartyError("cannot kick this member")
	}
	return err
}

// Promote hands party leadership to this member. Leader only.
func (self *PartyMember) Promote(ctx context.Context) error {
	me := self.party.Me()
	if me == nil || !me.Leader() {
		return newPartyError("you have to be the party leader to promote members")
	}
	if self.id == me.Id() {
		return newPartyError("cannot promote yourself")
	}
	return self.client.api.PartyPromoteMember(ctx, self.party.Id(), self.id)
}

// SwapPosition swaps the client's slot with this member's.
func (self *PartyMember) SwapPosition(ctx context.Context) error {
	me := self.party.Me()
	if me == nil {
		return newPartyError("client is not in this party")
	}
	return me.requestAssignmentSwap(ctx, self.Position(), self.id)
}

// ClientPartyMember is the client's own roster entry: the only member whose
// document the client may mutate and commit.
type ClientPartyMember struct {
	*PartyMember

	patchable *Patchable
}

func newClientPartyMember(client *Client, party *Party, data map[string]any) *ClientPartyMember {
	member := &ClientPartyMember{
		PartyMember: newPartyMember(client, party, data),
	}
	// own member starts from the full default document
	defaults := defaultMemberSchema(client.settings.Platform)
	defaults.Update(member.meta.Snapshot())
	member.meta = defaults

	member.patchable = newPatchable(member.meta, member.commit)
	if revision, ok := data["revision"].(float64); ok {
		member.patchable.SetRevision(int(revision))
	}

	// replay the client-scoped default mutations before the first commit
	for _, mutation := range dedupeMutations(client.defaultMemberConfig.Meta) {
		mutation.Apply(member.meta)
	}
	member.patchable.MarkReady()
	return member
}

func (self *ClientPartyMember) commit(ctx context.Context, updated map[string]string, deleted []string, override map[string]string, config map[string]any, revision int) error {
	return self.client.api.PartyUpdateMemberMeta(ctx, &MemberMetaUpdateArgs{
		PartyId:  self.party.Id(),
		UserId:   self.id,
		Updated:  updated,
		Deleted:  deleted,
		Override: override,
		Revision: revision,
	})
}

func (self *ClientPartyMember) Patchable() *Patchable {
	return self.patchable
}

// joinPatch publishes the member document right after joining a party.
func (self *ClientPartyMember) joinPatch(ctx context.Context) error {
	return self.patchable.Patch(ctx, self.meta.Schema(30), nil, nil)
}

// Edit batches several mutations into one commit.
func (self *ClientPartyMember) Edit(ctx context.Context, mutations ...*MetaMutation) error {
	return self.patchable.Edit(ctx, mutations...)
}

// EditAndKeep batches mutations and folds them into the client's default
// member config so future parties replay them automatically.
func (self *ClientPartyMember) EditAndKeep(ctx context.Context, mutations ...*MetaMutation) error {
	self.client.defaultMemberConfig.UpdateMeta(mutations...)
	return self.patchable.Edit(ctx, mutations...)
}

func (self *ClientPartyMember) SetReady(ctx context.Context, state ReadyState) error {
	return self.patchable.Run(ctx, MutationReady(state))
}

func (self *ClientPartyMember) SetOutfit(ctx context.Context, asset string) error {
	return self.patchable.Run(ctx, MutationOutfit(asset))
}

func (self *ClientPartyMember) SetBackpack(ctx context.Context, asset string) error {
	return self.patchable.Run(ctx, MutationBackpack(asset))
}

func (self *ClientPartyMember) SetPickaxe(ctx context.Context, asset string) error {
	return self.patchable.Run(ctx, MutationPickaxe(asset))
}

func (self *ClientPartyMember) SetEmote(ctx context.Context, asset string) error {
	return self.patchable.Run(ctx, MutationEmote(asset))
}

func (self *ClientPartyMember) ClearEmote(ctx context.Context) error {
	return self.patchable.Run(ctx, MutationEmote("None"))
}

func (self *ClientPartyMember) SetBanner(ctx context.Context, icon string, color string, seasonLevel int) error {
	return self.patchable.Run(ctx, MutationBanner(icon, color, seasonLevel))
}

func (self *ClientPartyMember) SetBattlepassInfo(ctx context.Context, hasPurchased bool, level int) error {
	return self.patchable.Run(ctx, MutationBattlepassInfo(hasPurchased, level))
}

// SetLobbyMapMarker places the lobby map marker. The service stores the
// horizontal coordinate under y and the vertical under x.
func (self *ClientPartyMember) SetLobbyMapMarker(ctx context.Context, x float64, y float64) error {
	return self.patchable.Run(ctx, MutationMapMarker(x, y, true))
}

func (self *ClientPartyMember) ClearLobbyMapMarker(ctx context.Context) error {
	return self.patchable.Run(ctx, MutationMapMarker(0, 0, false))
}

func (self *ClientPartyMember) SetCustomDataStore(ctx context.Context, entries []string) error {
	return self.patchable.Run(ctx, MutationCustomDataStore(entries))
}

func (self *ClientPartyMember) SetInMatch(ctx context.Context, playersLeft int) error {
	return self.patchable.Run(ctx, MutationMatchState("InGame", playersLeft))
}

func (self *ClientPartyMember) ClearInMatch(ctx context.Context) error {
	return self.patchable.Run(ctx, MutationMatchState("PreLobby", 0))
}

// SetPosition moves the client to a slot, swapping with the current holder
// when the slot is taken.
func (self *ClientPartyMember) SetPosition(ctx context.Context, position int) error {
	if position < 0 || 15 < position {
		return newPartyError("position %d is out of bounds", position)
	}

	targetId := ""
	for _, slot := range self.party.SquadAssignments() {
		if slot.Position == position {
			if slot.MemberId == self.id {
				return nil
			}
			targetId = slot.MemberId
			break
		}
	}
	return self.requestAssignmentSwap(ctx, position, targetId)
}

func (self *ClientPartyMember) requestAssignmentSwap(ctx context.Context, targetPosition int, targetId string) error {
	self.assignmentVersion += 1
	return self.patchable.Run(ctx, MutationAssignmentRequest(
		self.Position(),
		targetPosition,
		self.assignmentVersion,
		targetId,
	))
}

// Leave exits the party. The client ends up in a fresh solo party.
func (self *ClientPartyMember) Leave(ctx context.Context) error {
	return self.client.api.PartyLeave(ctx, self.party.Id(), self.id)
}

// Mutation builders. Each one captures a single document write with a
// stable operation id, so batching two of the same kind keeps the last.

func MutationReady(state ReadyState) *MetaMutation {
	return &MetaMutation{
		OperationId: "member.ready",
		Apply: func(meta *MetaDocument) map[string]string {
			return updateJsonProp(meta, "Default:LobbyState_j", "LobbyState", func(data map[string]any) {
				data["gameReadiness"] = string(state)
			})
		},
	}
}

func MutationOutfit(asset string) *MetaMutation {
	return &MetaMutation{
		OperationId: "member.outfit",
		Apply: func(meta *MetaDocument) map[string]string {
			return updateJsonProp(meta, "Default:AthenaCosmeticLoadout_j", "AthenaCosmeticLoadout", func(data map[string]any) {
				data["characterPrimaryAssetId"] = asset
			})
		},
	}
}

func MutationBackpack(asset string) *MetaMutation {
	return &MetaMutation{
		OperationId: "member.backpack",
		Apply: func(meta *MetaDocument) map[string]string {
			return updateJsonProp(meta, "Default:AthenaCosmeticLoadout_j", "AthenaCosmeticLoadout", func(data map[string]any) {
				data["backpackDef"] = asset
			})
		},
	}
}

func MutationPickaxe(asset string) *MetaMutation {
	return &MetaMutation{
		OperationId: "member.pickaxe",
		Apply: func(meta *MetaDocument) map[string]string {
			return updateJsonProp(meta, "Default:AthenaCosmeticLoadout_j", "AthenaCosmeticLoadout", func(data map[string]any) {
				data["pickaxeDef"] = asset
			})
		},
	}
}

func MutationEmote(asset string) *MetaMutation {
	return &MetaMutation{
		OperationId: "member.emote",
		Apply: func(meta *MetaDocument) map[string]string {
			return updateJsonProp(meta, "Default:FrontendEmote_j", "FrontendEmote", func(data map[string]any) {
				data["pickable"] = asset
				data["emoteEKey"] = ""
				if asset == "None" {
					data["emoteSection"] = -1
				} else {
					data["emoteSection"] = -2
				}
			})
		},
	}
}

func MutationBanner(icon string, color string, seasonLevel int) *MetaMutation {
	return &MetaMutation{
		OperationId: "member.banner",
		Apply: func(meta *MetaDocument) map[string]string {
			return updateJsonProp(meta, "Default:AthenaBannerInfo_j", "AthenaBannerInfo", func(data map[string]any) {
				if icon != "" {
					data["bannerIconId"] = icon
				}
				if color != "" {
					data["bannerColorId"] = color
				}
				if 0 < seasonLevel {
					data["seasonLevel"] = seasonLevel
				}
			})
		},
	}
}

func MutationBattlepassInfo(hasPurchased bool, level int) *MetaMutation {
	return &MetaMutation{
		OperationId: "member.battlepass",
		Apply: func(meta *MetaDocument) map[string]string {
			return updateJsonProp(meta, "Default:BattlePassInfo_j", "BattlePassInfo", func(data map[string]any) {
				data["bHasPurchasedPass"] = hasPurchased
				if 0 < level {
					data["passLevel"] = level
				}
			})
		},
	}
}

func MutationMapMarker(x float64, y float64, isSet bool) *MetaMutation {
	return &MetaMutation{
		OperationId: "member.map_marker",
		Apply: func(meta *MetaDocument) map[string]string {
			return updateJsonProp(meta, "Default:FrontEndMapMarker_j", "FrontEndMapMarker", func(data map[string]any) {
				// y is horizontal and x is vertical on the wire
				data["markerLocation"] = map[string]any{"x": y, "y": x}
				data["bIsSet"] = isSet
			})
		},
	}
}

func MutationCustomDataStore(entries []string) *MetaMutation {
	return &MetaMutation{
		OperationId: "member.custom_data_store",
		Apply: func(meta *MetaDocument) map[string]string {
			key := "Default:ArbitraryCustomDataStore_j"
			meta.Set(key, map[string]any{"ArbitraryCustomDataStore": entries})
			raw, _ := meta.Raw(key)
			return map[string]string{key: raw}
		},
	}
}

func MutationMatchState(location string, playersLeft int) *MetaMutation {
	return &MetaMutation{
		OperationId: "member.match_state",
		Apply: func(meta *MetaDocument) map[string]string {
			updated := updateJsonProp(meta, "Default:PackedState_j", "PackedState", func(data map[string]any) {
				data["location"] = location
			})
			key := "Default:NumAthenaPlayersLeft_U"
			meta.Set(key, playersLeft)
			raw, _ := meta.Raw(key)
			updated[key] = raw
			return updated
		},
	}
}

func MutationAssignmentRequest(currentPosition int, targetPosition int, version int, targetId string) *MetaMutation {
	if targetId == "" {
		targetId = "INVALID"
	}
	return &MetaMutation{
		OperationId: "member.assignment_request",
		Apply: func(meta *MetaDocument) map[string]string {
			key := "Default:MemberSquadAssignmentRequest_j"
			meta.Set(key, map[string]any{
				"MemberSquadAssignmentRequest": map[string]any{
					"startingAbsoluteIdx": currentPosition,
					"targetAbsoluteIdx":   targetPosition,
					"swapTargetMemberId":  targetId,
					"version":             version,
				},
			})
			raw, _ := meta.Raw(key)
			return map[string]string{key: raw}
		},
	}
}

// updateJsonProp rewrites one wrapped json property in place and returns
// the updated raw set for a commit.
func updateJsonProp(meta *MetaDocument, key string, wrapper string, mutate func(data map[string]any)) map[string]string {
	prop := meta.GetJson(key)
	data := jsonChild(prop, wrapper)
	mutate(data)
	prop[wrapper] = data
	meta.Set(key, prop)
	raw, _ := meta.Raw(key)
	return map[string]string{key: raw}
}

func jsonChild(m map[string]any, key string) map[string]any {
	if child, ok := m[key].(map[string]any); ok {
		return child
	}
	return map[string]any{}
}

func stringValues(raw map[string]any) map[string]string {
	out := make(map[string]string, len(raw))
	for key, value := range raw {
		if s, ok := value.(string); ok {
			out[key] = s
		} else {
			out[key] = fmt.Sprintf("%v", value)
		}
	}
	return out
}
