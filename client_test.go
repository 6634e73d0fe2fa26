package lobby

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestJoinGate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := newJoinGate()
	assert.Equal(t, nil, gate.Wait(ctx))

	assert.Equal(t, nil, gate.Enter(ctx))
	waitCtx, waitCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer waitCancel()
	assert.NotEqual(t, nil, gate.Wait(waitCtx))

	gate.Leave()
	assert.Equal(t, nil, gate.Wait(ctx))
	// leaving an open gate stays open
	gate.Leave()
	assert.Equal(t, nil, gate.Wait(ctx))
}

func TestJoinGateSerializes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gate := newJoinGate()
	assert.Equal(t, nil, gate.Enter(ctx))

	entered := make(chan struct{}, 1)
	go func() {
		if err := gate.Enter(ctx); err == nil {
			entered <- struct{}{}
		}
	}()

	// the second transition holds until the first leaves
	select {
	case <-entered:
		t.FailNow()
	case <-time.After(100 * time.Millisecond):
	}

	gate.Leave()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.FailNow()
	}

	// and the gate is taken again, not left open by the first Leave
	waitCtx, waitCancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer waitCancel()
	assert.NotEqual(t, nil, gate.Wait(waitCtx))

	// a blocked acquire gives up with its context
	enterCtx, enterCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer enterCancel()
	assert.NotEqual(t, nil, gate.Enter(enterCtx))
}

func TestCreateParty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var createdConnection map[string]any
	var createdMeta map[string]string
	joinPatched := false
	client := testClient(&mockApi{
		partyCreate: func(ctx context.Context, config map[string]any, connection map[string]any, meta map[string]string) (map[string]any, error) {
			createdConnection = connection
			createdMeta = meta
			return map[string]any{"id": "party2", "revision": float64(0)}, nil
		},
		partyUpdateMemberMeta: func(ctx context.Context, args *MemberMetaUpdateArgs) error {
			joinPatched = true
			return nil
		},
	})
	client.stream = testStreamTransport()

	party, err := client.createParty(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, "party2", party.Id())
	assert.Equal(t, party, client.Party())

	// with no roster in the response the client installs itself as captain
	me := party.Me()
	assert.Equal(t, "user1", me.Id())
	assert.Equal(t, true, me.Leader())
	assert.Equal(t, true, joinPatched)

	assert.Equal(t, client.stream.LocalJid(), createdConnection["id"])
	assert.Equal(t, "1:3:", createdMeta["urn:epic:cfg:build-id_s"])
	assert.Equal(t, "default", createdMeta["urn:epic:cfg:party-type-id_s"])
}

func TestJoinParty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var leftPartyId string
	var joinInfo map[string]any
	client := testClient(&mockApi{
		partyLeave: func(ctx context.Context, partyId string, userId string) error {
			leftPartyId = partyId
			return nil
		},
		partyLookup: func(ctx context.Context, partyId string) (map[string]any, error) {
			return map[string]any{
				"id":       "party2",
				"revision": float64(4),
				"members": []any{
					map[string]any{
						"account_id": "leader1",
						"account_dn": "Leader",
						"role":       "CAPTAIN",
						"joined_at":  "2024-03-01T10:00:00Z",
					},
				},
			}, nil
		},
		partyJoin: func(ctx context.Context, partyId string, userId string, info map[string]any) (map[string]any, error) {
			joinInfo = info
			return map[string]any{"status": "JOINED"}, nil
		},
	})
	client.stream = testStreamTransport()
	testParty(client, "user1", "user1")

	party, err := client.JoinParty(ctx, "party2")
	assert.Equal(t, nil, err)
	assert.Equal(t, "party1", leftPartyId)
	assert.Equal(t, "party2", party.Id())
	assert.Equal(t, "leader1", party.Leader().Id())
	assert.Equal(t, "user1", party.Me().Id())
	assert.Equal(t, 2, party.MemberCount())

	connection, _ := joinInfo["connection"].(map[string]any)
	assert.Equal(t, client.stream.LocalJid(), connection["id"])
	assert.Equal(t, false, connection["yield_leadership"])
}

func TestJoinPartyNotFound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := testClient(&mockApi{
		partyLookup: func(ctx context.Context, partyId string) (map[string]any, error) {
			return nil, &HttpError{
				StatusCode:  404,
				MessageCode: MessageCodePartyNotFound,
			}
		},
	})
	client.stream = testStreamTransport()

	_, err := client.JoinParty(ctx, "gone")
	assert.NotEqual(t, nil, err)
}

func TestLeaveParty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var leftPartyId string
	client := testClient(&mockApi{
		partyLeave: func(ctx context.Context, partyId string, userId string) error {
			leftPartyId = partyId
			return nil
		},
		partyCreate: func(ctx context.Context, config map[string]any, connection map[string]any, meta map[string]string) (map[string]any, error) {
			return map[string]any{"id": "party2"}, nil
		},
	})
	client.stream = testStreamTransport()
	testParty(client, "user1", "user1")

	party, err := client.LeaveParty(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, "party1", leftPartyId)
	assert.Equal(t, "party2", party.Id())
	assert.Equal(t, 1, party.MemberCount())
}

func TestResyncParty(t *testing.T) {
	client := testClient(&mockApi{
		partyLookup: func(ctx context.Context, partyId string) (map[string]any, error) {
			return map[string]any{
				"config": map[string]any{"max_size": float64(4)},
				"meta": map[string]any{
					"Default:AthenaSquadFill_b": "false",
				},
			}, nil
		},
	})
	party := testParty(client, "user1", "user1")

	restarted := make(chan any, 1)
	client.bus.On(EventRestart, func(payload any) {
		restarted <- payload
	})

	client.resyncParty()
	waitEvent(t, restarted)
	assert.Equal(t, 4, party.MaxSize())
	assert.Equal(t, false, party.SquadFill())
}

func TestLeaveLingeringParties(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	left := []string{}
	client := testClient(&mockApi{
		partyLookupUser: func(ctx context.Context, userId string) (map[string]any, error) {
			return map[string]any{
				"current": []any{
					map[string]any{"id": "stale1"},
					map[string]any{"id": "stale2"},
				},
			}, nil
		},
		partyLeave: func(ctx context.Context, partyId string, userId string) error {
			left = append(left, partyId)
			return nil
		},
	})

	client.leaveLingeringParties(ctx)
	assert.Equal(t, []string{"stale1", "stale2"}, left)
}
