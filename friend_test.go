package lobby

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestFriendRosterLoad(t *testing.T) {
	roster := newFriendRoster()
	roster.load(map[string]any{
		"friends": []any{
			map[string]any{
				"accountId":   "friend1",
				"displayName": "Friend One",
				"favorite":    true,
				"created":     "2024-01-01T00:00:00Z",
			},
			map[string]any{"displayName": "no account id"},
		},
		"incoming": []any{
			map[string]any{"accountId": "pending1", "created": "2024-02-01T00:00:00Z"},
		},
		"outgoing": []any{
			map[string]any{"accountId": "pending2"},
		},
		"blocklist": []any{
			map[string]any{"accountId": "blocked1"},
		},
	})

	friend := roster.Friend("friend1")
	assert.Equal(t, "Friend One", friend.DisplayName)
	assert.Equal(t, true, friend.Favorite)
	assert.Equal(t, 1, len(roster.Friends()))

	assert.Equal(t, DirectionInbound, roster.Pending("pending1").Direction)
	assert.Equal(t, DirectionOutbound, roster.Pending("pending2").Direction)
	assert.Equal(t, 2, len(roster.PendingFriends()))

	assert.Equal(t, true, roster.Blocked("blocked1"))
	assert.Equal(t, false, roster.Blocked("friend1"))
}

func TestFriendRosterAddPromotesPending(t *testing.T) {
	roster := newFriendRoster()
	roster.addPending(&PendingFriend{Id: "user2", Direction: DirectionInbound})

	roster.add(&Friend{Id: "user2", DisplayName: "User Two"})
	assert.Equal(t, true, roster.Pending("user2") == nil)
	assert.Equal(t, "User Two", roster.Friend("user2").DisplayName)
}

func TestFriendRosterRemove(t *testing.T) {
	roster := newFriendRoster()
	roster.add(&Friend{Id: "user2"})
	roster.addPending(&PendingFriend{Id: "user3"})

	friend, request := roster.remove("user2")
	assert.Equal(t, "user2", friend.Id)
	assert.Equal(t, true, request == nil)

	friend, request = roster.remove("user3")
	assert.Equal(t, true, friend == nil)
	assert.Equal(t, "user3", request.Id)
}

func TestFriendRosterApplyPresence(t *testing.T) {
	roster := newFriendRoster()
	roster.add(&Friend{Id: "friend1"})

	presence := &Presence{UserId: "friend1", Available: true}
	assert.Equal(t, "friend1", roster.applyPresence(presence).Id)
	assert.Equal(t, presence, roster.Friend("friend1").LastPresence)

	assert.Equal(t, true, roster.applyPresence(&Presence{UserId: "stranger"}) == nil)
}

func TestHandleFriendUpdate(t *testing.T) {
	client := testClient(&mockApi{})

	added := make(chan any, 1)
	client.bus.On(EventFriendAdd, func(payload any) {
		added <- payload
	})
	requested := make(chan any, 1)
	client.bus.On(EventFriendRequest, func(payload any) {
		requested <- payload
	})

	client.handleFriendUpdate(map[string]any{
		"payload": map[string]any{
			"accountId": "friend1",
			"status":    "ACCEPTED",
			"created":   "2024-01-01T00:00:00Z",
		},
	})
	select {
	case payload := <-added:
		friend, _ := payload.(*Friend)
		assert.Equal(t, "friend1", friend.Id)
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
	assert.Equal(t, "friend1", client.friends.Friend("friend1").Id)

	client.handleFriendUpdate(map[string]any{
		"payload": map[string]any{
			"accountId": "requester1",
			"status":    "PENDING",
			"direction": "INBOUND",
		},
	})
	select {
	case payload := <-requested:
		request, _ := payload.(*PendingFriend)
		assert.Equal(t, "requester1", request.Id)
	case <-time.After(5 * time.Second):
		t.FailNow()
	}

	// outgoing pending updates do not raise a request event
	client.handleFriendUpdate(map[string]any{
		"payload": map[string]any{
			"accountId": "target1",
			"status":    "PENDING",
			"direction": "OUTBOUND",
		},
	})
	assert.Equal(t, DirectionOutbound, client.friends.Pending("target1").Direction)
	select {
	case <-requested:
		t.FailNow()
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandleFriendshipRemove(t *testing.T) {
	client := testClient(&mockApi{})
	client.friends.add(&Friend{Id: "friend1"})
	client.friends.addPending(&PendingFriend{Id: "pending1", Direction: DirectionOutbound})

	removed := make(chan any, 1)
	client.bus.On(EventFriendRemove, func(payload any) {
		removed <- payload
	})
	declined := make(chan any, 1)
	client.bus.On(EventFriendRequestDecline, func(payload any) {
		declined <- payload
	})

	// the other side is whichever end is not the client
	client.handleFriendshipRemove(map[string]any{
		"from":   "user1",
		"to":     "friend1",
		"reason": "DELETED",
	})
	select {
	case payload := <-removed:
		friend, _ := payload.(*Friend)
		assert.Equal(t, "friend1", friend.Id)
	case <-time.After(5 * time.Second):
		t.FailNow()
	}

	client.handleFriendshipRemove(map[string]any{
		"from":   "pending1",
		"to":     "user1",
		"reason": "REJECTED",
	})
	select {
	case payload := <-declined:
		request, _ := payload.(*PendingFriend)
		assert.Equal(t, "pending1", request.Id)
	case <-time.After(5 * time.Second):
		t.FailNow()
	}
}

func TestHandleBlockList(t *testing.T) {
	client := testClient(&mockApi{})

	client.handleBlockListAdded(map[string]any{"accountId": "rude1"})
	assert.Equal(t, true, client.friends.Blocked("rude1"))

	client.handleBlockListRemoved(map[string]any{"accountId": "rude1"})
	assert.Equal(t, false, client.friends.Blocked("rude1"))
}

func TestParseTimestamp(t *testing.T) {
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), parseTimestamp("2024-01-01T00:00:00Z"))
	assert.Equal(t, true, parseTimestamp("not a time").IsZero())
	assert.Equal(t, true, parseTimestamp(nil).IsZero())
}
