package lobby

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type FriendDirection string

const (
	DirectionInbound  FriendDirection = "INBOUND"
	DirectionOutbound FriendDirection = "OUTBOUND"
)

// Friend is one accepted friendship.
type Friend struct {
	Id          string
	DisplayName string
	Favorite    bool
	CreatedAt   time.Time

	// last availability observed on the stream channel, nil before any
	LastPresence *Presence
}

// PendingFriend is a friend request that has not been accepted yet.
type PendingFriend struct {
	Id        string
	Direction FriendDirection
	CreatedAt time.Time
}

// FriendRoster tracks friendships, pending requests and the block list.
// Loaded once from a summary lookup, then maintained from notifications.
type FriendRoster struct {
	stateLock sync.Mutex

	friends   map[string]*Friend
	pending   map[string]*PendingFriend
	blocklist map[string]bool
}

func newFriendRoster() *FriendRoster {
	return &FriendRoster{
		friends:   map[string]*Friend{},
		pending:   map[string]*PendingFriend{},
		blocklist: map[string]bool{},
	}
}

func (self *FriendRoster) load(summary map[string]any) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.friends = map[string]*Friend{}
	self.pending = map[string]*PendingFriend{}
	self.blocklist = map[string]bool{}

	if friends, ok := summary["friends"].([]any); ok {
		for _, rawFriend := range friends {
			if friend := decodeFriend(rawFriend); friend != nil {
				self.friends[friend.Id] = friend
			}
		}
	}
	for listKey, direction := range map[string]FriendDirection{
		"incoming": DirectionInbound,
		"outgoing": DirectionOutbound,
	} {
		entries, ok := summary[listKey].([]any)
		if !ok {
			continue
		}
		for _, rawEntry := range entries {
			entry, ok := rawEntry.(map[string]any)
			if !ok {
				continue
			}
			accountId, _ := entry["accountId"].(string)
			if accountId == "" {
				continue
			}
			self.pending[accountId] = &PendingFriend{
				Id:        accountId,
				Direction: direction,
				CreatedAt: parseTimestamp(entry["created"]),
			}
		}
	}
	if blocked, ok := summary["blocklist"].([]any); ok {
		for _, rawEntry := range blocked {
			entry, ok := rawEntry.(map[string]any)
			if !ok {
				continue
			}
			if accountId, _ := entry["accountId"].(string); accountId != "" {
				self.blocklist[accountId] = true
			}
		}
	}
}

func decodeFriend(raw any) *Friend {
	entry, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	accountId, _ := entry["accountId"].(string)
	if accountId == "" {
		return nil
	}
	displayName, _ := entry["displayName"].(string)
	favorite, _ := entry["favorite"].(bool)
	return &Friend{
		Id:          accountId,
		DisplayName: displayName,
		Favorite:    favorite,
		CreatedAt:   parseTimestamp(entry["created"]),
	}
}

func (self *FriendRoster) Friend(userId string) *Friend {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.friends[userId]
}

func (self *FriendRoster) Friends() []*Friend {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	friends := make([]*Friend, 0, len(self.friends))
	for _, friend := range self.friends {
		friends = append(friends, friend)
	}
	return friends
}

func (self *FriendRoster) Pending(userId string) *PendingFriend {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.pending[userId]
}

func (self *FriendRoster) PendingFriends() []*PendingFriend {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	pending := make([]*PendingFriend, 0, len(self.pending))
	for _, request := range self.pending {
		pending = append(pending, request)
	}
	return pending
}

func (self *FriendRoster) Blocked(userId string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.blocklist[userId]
}

func (self *FriendRoster) add(friend *Friend) {
	self.stateLock.Lock()
	delete(self.pending, friend.Id)
	self.friends[friend.Id] = friend
	self.stateLock.Unlock()
}

func (self *FriendRoster) addPending(request *PendingFriend) {
	self.stateLock.Lock()
	self.pending[request.Id] = request
	self.stateLock.Unlock()
}

// remove drops a friendship or a pending request, returning what existed.
func (self *FriendRoster) remove(userId string) (*Friend, *PendingFriend) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	friend := self.friends[userId]
	request := self.pending[userId]
	delete(self.friends, userId)
	delete(self.pending, userId)
	return friend, request
}

func (self *FriendRoster) setBlocked(userId string, blocked bool) {
	self.stateLock.Lock()
	if blocked {
		self.blocklist[userId] = true
	} else {
		delete(self.blocklist, userId)
	}
	self.stateLock.Unlock()
}

func (self *FriendRoster) applyPresence(presence *Presence) *Friend {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	friend := self.friends[presence.UserId]
	if friend != nil {
		friend.LastPresence = presence
	}
	return friend
}

// Friend operations on the client.

func (self *Client) Friends() *FriendRoster {
	return self.friends
}

// AddFriend sends a friend request, or accepts an incoming one.
func (self *Client) AddFriend(ctx context.Context, userId string) error {
	return self.api.AddFriend(ctx, self.AccountId(), userId)
}

// RemoveFriend removes a friend, or cancels or rejects a pending request.
func (self *Client) RemoveFriend(ctx context.Context, userId string) error {
	return self.api.RemoveFriend(ctx, self.AccountId(), userId)
}

func (self *Client) BlockUser(ctx context.Context, userId string) error {
	return self.api.BlockUser(ctx, self.AccountId(), userId)
}

func (self *Client) UnblockUser(ctx context.Context, userId string) error {
	return self.api.UnblockUser(ctx, self.AccountId(), userId)
}

// refreshFriends reloads the roster from a summary lookup.
func (self *Client) refreshFriends(ctx context.Context) error {
	summary, err := self.api.FriendsSummary(ctx, self.AccountId())
	if err != nil {
		return err
	}
	self.friends.load(summary)
	return nil
}

// Friend notification handlers.

func (self *Client) handleFriendUpdate(payload map[string]any) {
	body, ok := payload["payload"].(map[string]any)
	if !ok {
		return
	}
	accountId, _ := body["accountId"].(string)
	if accountId == "" {
		return
	}
	status, _ := body["status"].(string)
	direction, _ := body["direction"].(string)
	createdAt := parseTimestamp(body["created"])

	switch status {
	case "ACCEPTED":
		favorite, _ := body["favorite"].(bool)
		friend := &Friend{
			Id:        accountId,
			Favorite:  favorite,
			CreatedAt: createdAt,
		}
		self.friends.add(friend)
		// ask for the new friend's availability right away instead of
		// waiting for their next broadcast
		if self.stream != nil {
			bareJid := fmt.Sprintf("%s@%s", friend.Id, self.settings.Stream.Domain)
			if err := self.stream.SendPresenceProbe(bareJid); err != nil {
				glog.V(2).Infof("[friends]presence probe error = %s\n", err)
			}
		}
		self.bus.Dispatch(EventFriendAdd, friend)

	case "PENDING":
		request := &PendingFriend{
			Id:        accountId,
			Direction: FriendDirection(direction),
			CreatedAt: createdAt,
		}
		self.friends.addPending(request)
		if request.Direction == DirectionInbound {
			self.bus.Dispatch(EventFriendRequest, request)
		}

	default:
		glog.V(2).Infof("[friends]status %s ignored\n", status)
	}
}

func (self *Client) handleFriendshipRemove(payload map[string]any) {
	fromId, _ := payload["from"].(string)
	toId, _ := payload["to"].(string)
	reason, _ := payload["reason"].(string)

	userId := fromId
	if fromId == self.AccountId() {
		userId = toId
	}

	friend, request := self.friends.remove(userId)

	switch reason {
	case "ABORTED":
		if request != nil {
			self.bus.Dispatch(EventFriendRequestAbort, request)
		}
	case "REJECTED":
		if request != nil {
			self.bus.Dispatch(EventFriendRequestDecline, request)
		}
	default:
		if friend != nil {
			self.bus.Dispatch(EventFriendRemove, friend)
		}
	}
}

func (self *Client) handleBlockListAdded(payload map[string]any) {
	accountId, _ := payload["accountId"].(string)
	if accountId == "" {
		return
	}
	self.friends.setBlocked(accountId, true)
	self.bus.Dispatch(EventUserBlock, accountId)
}

func (self *Client) handleBlockListRemoved(payload map[string]any) {
	accountId, _ := payload["accountId"].(string)
	if accountId == "" {
		return
	}
	self.friends.setBlocked(accountId, false)
	self.bus.Dispatch(EventUserUnblock, accountId)
}

func parseTimestamp(value any) time.Time {
	raw, ok := value.(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
