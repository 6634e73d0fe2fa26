package lobby

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/oklog/ulid/v2"
)

type ClientSettings struct {
	// platform tag reported to the service, e.g. WIN
	Platform string
	// network changelist the build claims, empty accepts any
	NetCL string

	StartupTimeout time.Duration

	Api           *LobbyApiSettings
	Auth          *AuthSettings
	AuthManager   *AuthManagerSettings
	Stream        *StreamTransportSettings
	Notifications *NotificationTransportSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Platform:       "WIN",
		NetCL:          "",
		StartupTimeout: 60 * time.Second,
		Api:            DefaultLobbyApiSettings(),
		Auth:           DefaultAuthSettings(),
		AuthManager:    DefaultAuthManagerSettings(),
		Stream:         DefaultStreamTransportSettings(),
		Notifications:  DefaultNotificationTransportSettings(),
	}
}

// joinGate serializes party membership transitions. Notification handlers
// wait on it so roster mutations land on the settled party.
type joinGate struct {
	stateLock sync.Mutex
	open      chan struct{}
}

func newJoinGate() *joinGate {
	gate := &joinGate{
		open: make(chan struct{}),
	}
	close(gate.open)
	return gate
}

// Enter takes the gate, waiting out any transition already in progress.
func (self *joinGate) Enter(ctx context.Context) error {
	for {
		self.stateLock.Lock()
		open := self.open
		select {
		case <-open:
			self.open = make(chan struct{})
			self.stateLock.Unlock()
			return nil
		default:
		}
		self.stateLock.Unlock()

		select {
		case <-open:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (self *joinGate) Leave() {
	self.stateLock.Lock()
	select {
	case <-self.open:
	default:
		close(self.open)
	}
	self.stateLock.Unlock()
}

func (self *joinGate) Wait(ctx context.Context) error {
	self.stateLock.Lock()
	open := self.open
	self.stateLock.Unlock()
	select {
	case <-open:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Client is a session against the social backend: one authenticated
// account, one stream session, one notification subscription and one
// current party.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ClientSettings

	bus        *EventBus
	api        Api
	auth       Auth
	instanceId string

	authManager   *AuthManager
	stream        *StreamTransport
	notifications *NotificationTransport

	friends *FriendRoster

	defaultPartyConfig  *PartyConfig
	defaultMemberConfig *PartyMemberConfig

	joinGate *joinGate

	stateLock     sync.Mutex
	party         *ClientParty
	statusText    string
	statusEnabled bool
}

// AuthFactory builds the login strategy against the client's api and bus.
type AuthFactory func(api Api, bus *EventBus, settings *AuthSettings) Auth

func NewClientWithDefaults(ctx context.Context, authFactory AuthFactory) *Client {
	return NewClient(ctx, authFactory, DefaultClientSettings())
}

func NewClient(ctx context.Context, authFactory AuthFactory, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)

	settings.Stream.Platform = settings.Platform

	client := &Client{
		ctx:                 cancelCtx,
		cancel:              cancel,
		settings:            settings,
		bus:                 NewEventBus(),
		instanceId:          ulid.Make().String(),
		friends:             newFriendRoster(),
		defaultPartyConfig:  DefaultPartyConfig(),
		defaultMemberConfig: DefaultPartyMemberConfig(),
		joinGate:            newJoinGate(),
		statusEnabled:       true,
	}

	api := NewLobbyApi(cancelCtx, settings.Api)
	client.api = api
	client.auth = authFactory(client.api, client.bus, settings.Auth)
	client.authManager = NewAuthManager(cancelCtx, client.api, client.bus, client.auth, settings.Auth, settings.AuthManager)
	api.SetSessionTokenSource(client.authManager.SessionToken)
	api.SetChatTokenSource(client.authManager.ChatToken)

	return client
}

// InstanceId identifies this client process instance in logs and
// diagnostics. Lexically sortable by creation time.
func (self *Client) InstanceId() string {
	return self.instanceId
}

func (self *Client) Bus() *EventBus {
	return self.bus
}

func (self *Client) Api() Api {
	return self.api
}

func (self *Client) AuthManager() *AuthManager {
	return self.authManager
}

func (self *Client) DefaultPartyConfig() *PartyConfig {
	return self.defaultPartyConfig
}

func (self *Client) DefaultPartyMemberConfig() *PartyMemberConfig {
	return self.defaultMemberConfig
}

func (self *Client) AccountId() string {
	return self.authManager.AccountId()
}

func (self *Client) DisplayName() string {
	if credential := self.authManager.Credential(); credential != nil {
		return credential.DisplayName
	}
	return ""
}

func (self *Client) partyBuildId() string {
	return fmt.Sprintf("1:3:%s", self.settings.NetCL)
}

func (self *Client) Party() *ClientParty {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.party
}

func (self *Client) setParty(party *ClientParty) {
	self.stateLock.Lock()
	self.party = party
	self.stateLock.Unlock()
}

// Start authenticates, brings up both channels and settles into a fresh
// solo party. It returns once the session is ready for operations.
func (self *Client) Start(ctx context.Context) error {
	if _, err := self.authManager.Authenticate(ctx); err != nil {
		return err
	}
	glog.Infof("[client]%s authenticated as %s\n", self.instanceId, self.AccountId())

	if err := self.refreshFriends(ctx); err != nil {
		return err
	}

	self.stream = NewStreamTransport(
		self.ctx,
		self.AccountId,
		self.authManager.SessionToken,
		self.settings.Stream,
	)
	self.stream.SetHandlers(
		self.handlePushEvent,
		self.handlePresence,
		self.resyncParty,
		func() {
			self.bus.Dispatch(EventStreamSessionClose, nil)
		},
	)
	self.stream.Start()
	if err := self.stream.WaitReady(ctx, self.settings.StartupTimeout); err != nil {
		return err
	}

	self.notifications = NewNotificationTransport(
		self.ctx,
		self.authManager.ChatToken,
		self.handlePushEvent,
		func() {
			glog.V(2).Infof("[client]notification session established\n")
		},
		self.settings.Notifications,
	)

	// the account may still be attached to a party from a previous
	// session, leave it before settling into a fresh one
	self.leaveLingeringParties(ctx)

	if _, err := self.createParty(ctx); err != nil {
		return err
	}

	self.bus.Dispatch(EventReady, nil)
	return nil
}

func (self *Client) Close() {
	if self.stream != nil {
		self.stream.Close()
	}
	if self.notifications != nil {
		self.notifications.Close()
	}
	self.authManager.Close()
	self.cancel()
	self.bus.Dispatch(EventClose, nil)
}

func (self *Client) leaveLingeringParties(ctx context.Context) {
	data, err := self.api.PartyLookupUser(ctx, self.AccountId())
	if err != nil {
		glog.V(2).Infof("[client]user lookup error = %s\n", err)
		return
	}
	current, ok := data["current"].([]any)
	if !ok {
		return
	}
	for _, rawParty := range current {
		partyData, ok := rawParty.(map[string]any)
		if !ok {
			continue
		}
		partyId, _ := partyData["id"].(string)
		if partyId == "" {
			continue
		}
		if err := self.api.PartyLeave(ctx, partyId, self.AccountId()); err != nil {
			glog.V(2).Infof("[client]leave lingering party %s error = %s\n", partyId, err)
		}
	}
}

// createParty creates a fresh party with the client as its only member and
// replays the default document mutations.
func (self *Client) createParty(ctx context.Context) (*ClientParty, error) {
	if err := self.joinGate.Enter(ctx); err != nil {
		return nil, err
	}
	defer self.joinGate.Leave()

	config := self.defaultPartyConfig

	connection := map[string]any{
		"id": self.stream.LocalJid(),
		"meta": map[string]any{
			"urn:epic:conn:platform_s": self.settings.Platform,
			"urn:epic:conn:type_s":     "game",
		},
	}
	meta := map[string]string{
		"urn:epic:cfg:party-type-id_s":      "default",
		"urn:epic:cfg:build-id_s":           self.partyBuildId(),
		"urn:epic:cfg:join-request-action_s": "Manual",
		"urn:epic:cfg:chat-enabled_b":       strconv.FormatBool(config.ChatEnabled),
		"urn:epic:cfg:can-join_b":           "true",
	}

	data, err := self.api.PartyCreate(ctx, config.createPayload(), connection, meta)
	if err != nil {
		return nil, err
	}

	party := newClientParty(self, data)
	me := self.installMembers(party, data)
	if me == nil {
		me = self.installClientMember(party, map[string]any{
			"account_id": self.AccountId(),
			"account_dn": self.DisplayName(),
			"role":       string(RoleCaptain),
			"joined_at":  time.Now().UTC().Format(time.RFC3339),
		})
	}
	self.setParty(party)

	if 0 < len(config.Meta) {
		if err := party.Edit(ctx, config.Meta...); err != nil {
			glog.Infof("[party]default config apply error = %s\n", err)
		}
	}
	if err := me.joinPatch(ctx); err != nil {
		glog.Infof("[party]join patch error = %s\n", err)
	}

	party.UpdatePresence()
	return party, nil
}

// JoinParty leaves the current party and joins the given one.
func (self *Client) JoinParty(ctx context.Context, partyId string) (*ClientParty, error) {
	if err := self.joinGate.Enter(ctx); err != nil {
		return nil, err
	}
	defer self.joinGate.Leave()

	if current := self.Party(); current != nil && current.Id() != partyId {
		if err := self.api.PartyLeave(ctx, current.Id(), self.AccountId()); err != nil {
			glog.V(2).Infof("[party]leave error = %s\n", err)
		}
	}

	data, err := self.api.PartyLookup(ctx, partyId)
	if err != nil {
		if IsMessageCode(err, MessageCodePartyNotFound) {
			return nil, newPartyError("party %s does not exist", partyId)
		}
		return nil, err
	}

	joinInfo := map[string]any{
		"connection": map[string]any{
			"id": self.stream.LocalJid(),
			"meta": map[string]any{
				"urn:epic:conn:platform_s": self.settings.Platform,
				"urn:epic:conn:type_s":     "game",
			},
			"yield_leadership": self.defaultMemberConfig.YieldLeadership,
			"offline_ttl":      self.defaultMemberConfig.OfflineTtl,
		},
		"meta": map[string]any{
			"urn:epic:member:dn_s": self.DisplayName(),
		},
	}
	if _, err := self.api.PartyJoin(ctx, partyId, self.AccountId(), joinInfo); err != nil {
		return nil, err
	}

	party := newClientParty(self, data)
	me := self.installMembers(party, data)
	if me == nil {
		me = self.installClientMember(party, map[string]any{
			"account_id": self.AccountId(),
			"account_dn": self.DisplayName(),
			"joined_at":  time.Now().UTC().Format(time.RFC3339),
		})
	}
	self.setParty(party)

	if err := me.joinPatch(ctx); err != nil {
		glog.Infof("[party]join patch error = %s\n", err)
	}

	party.UpdatePresence()
	return party, nil
}

// LeaveParty exits the current party. The client always belongs to a
// party, so a fresh solo one takes its place.
func (self *Client) LeaveParty(ctx context.Context) (*ClientParty, error) {
	if party := self.Party(); party != nil {
		if err := self.api.PartyLeave(ctx, party.Id(), self.AccountId()); err != nil {
			glog.V(2).Infof("[party]leave error = %s\n", err)
		}
	}
	return self.createParty(ctx)
}

func (self *Client) recreateParty(ctx context.Context) error {
	_, err := self.createParty(ctx)
	return err
}

// installMembers populates the roster from a lookup or create response.
// Returns the client's own member when present.
func (self *Client) installMembers(party *ClientParty, data map[string]any) *ClientPartyMember {
	var me *ClientPartyMember

	members, _ := data["members"].([]any)
	for _, rawMember := range members {
		memberData, ok := rawMember.(map[string]any)
		if !ok {
			continue
		}
		accountId, _ := memberData["account_id"].(string)
		if accountId == self.AccountId() {
			me = self.installClientMember(party, memberData)
		} else {
			party.addMember(newPartyMember(self, party.Party, memberData))
		}
	}
	return me
}

func (self *Client) installClientMember(party *ClientParty, memberData map[string]any) *ClientPartyMember {
	me := newClientPartyMember(self, party.Party, memberData)
	party.addMember(me.PartyMember)
	party.setMe(me)
	return me
}

// resyncParty restores service-visible state after a stream restart.
func (self *Client) resyncParty() {
	party := self.Party()
	if party == nil {
		return
	}

	data, err := self.api.PartyLookup(self.ctx, party.Id())
	if err != nil {
		glog.Infof("[client]party resync lookup error = %s\n", err)
		if IsMessageCode(err, MessageCodePartyNotFound) {
			if err := self.recreateParty(self.ctx); err != nil {
				glog.Infof("[party]recreate error = %s\n", err)
			}
		}
		return
	}

	party.applyUpdate(map[string]any{
		"config":              data["config"],
		"party_state_updated": data["meta"],
	})
	party.UpdatePresence()
	self.bus.Dispatch(EventRestart, nil)
}

// SetStatusText overrides the availability text other sessions see.
func (self *Client) SetStatusText(text string) {
	self.stateLock.Lock()
	self.statusText = text
	self.stateLock.Unlock()
	if party := self.Party(); party != nil {
		party.UpdatePresence()
	}
}

// SetStatusEnabled suppresses or restores availability publishing.
func (self *Client) SetStatusEnabled(enabled bool) {
	self.stateLock.Lock()
	self.statusEnabled = enabled
	self.stateLock.Unlock()
}

func (self *Client) publishPartyPresence(party *ClientParty) {
	self.stateLock.Lock()
	enabled := self.statusEnabled
	text := self.statusText
	self.stateLock.Unlock()

	if !enabled || self.stream == nil {
		return
	}

	status := party.constructPresenceStatus(text)
	raw, err := json.Marshal(status)
	if err != nil {
		glog.Infof("[client]presence encode error = %s\n", err)
		return
	}
	statusMap := map[string]any{}
	if err := json.Unmarshal(raw, &statusMap); err != nil {
		glog.Infof("[client]presence encode error = %s\n", err)
		return
	}
	self.stream.SetPresence(statusMap, "")
}

func (self *Client) handlePresence(presence *Presence) {
	if friend := self.friends.applyPresence(presence); friend != nil {
		self.bus.Dispatch(EventFriendPresence, friend)
	}
	self.bus.DispatchPresence(presence)
}
