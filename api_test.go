package lobby

import (
	"context"
	"net/url"
	"testing"

	"github.com/go-playground/assert/v2"
)

// mockApi implements Api with overridable call hooks. Calls without a hook
// succeed with zero values.
type mockApi struct {
	grantToken            func(ctx context.Context, tokenClient string, form url.Values) (*OAuthTokenResult, error)
	killOtherSessions     func(ctx context.Context, accessToken string) error
	getExchangeCode       func(ctx context.Context, accessToken string) (*ExchangeCodeResult, error)
	generateDeviceAuth    func(ctx context.Context, accessToken string, accountId string) (*DeviceAuthInfo, error)
	getDeviceAuths        func(ctx context.Context, accessToken string, accountId string) ([]*DeviceAuthInfo, error)
	deleteDeviceAuth      func(ctx context.Context, accessToken string, accountId string, deviceId string) error
	startDeviceCode       func(ctx context.Context, clientToken string) (*DeviceCodeSession, error)
	correctDateOfBirth    func(ctx context.Context, clientToken string, continuation string, dateOfBirth string) error
	partyLookup           func(ctx context.Context, partyId string) (map[string]any, error)
	partyLookupUser       func(ctx context.Context, userId string) (map[string]any, error)
	partyLookupPing       func(ctx context.Context, userId string, pingerId string) ([]map[string]any, error)
	partyDeletePing       func(ctx context.Context, userId string, pingerId string) error
	partyJoin             func(ctx context.Context, partyId string, userId string, joinInfo map[string]any) (map[string]any, error)
	partyCreate           func(ctx context.Context, config map[string]any, joinInfo map[string]any, meta map[string]string) (map[string]any, error)
	partyLeave            func(ctx context.Context, partyId string, userId string) error
	partyUpdateMeta       func(ctx context.Context, args *PartyMetaUpdateArgs) error
	partyUpdateMemberMeta func(ctx context.Context, args *MemberMetaUpdateArgs) error
	partyKickMember       func(ctx context.Context, partyId string, userId string) error
	partyPromoteMember    func(ctx context.Context, partyId string, userId string) error
	partySendInvite       func(ctx context.Context, partyId string, userId string, payload map[string]string) error
	partyDeclineInvite    func(ctx context.Context, partyId string, userId string) error
	partyConfirmMember    func(ctx context.Context, partyId string, userId string) error
	partyRejectMember     func(ctx context.Context, partyId string, userId string) error
	partyChatSend         func(ctx context.Context, partyId string, userId string, body string) error
	friendsSummary        func(ctx context.Context, userId string) (map[string]any, error)
	addFriend             func(ctx context.Context, userId string, friendId string) error
	removeFriend          func(ctx context.Context, userId string, friendId string) error
	blockUser             func(ctx context.Context, userId string, blockedId string) error
	unblockUser           func(ctx context.Context, userId string, blockedId string) error
}

func (self *mockApi) GrantToken(ctx context.Context, tokenClient string, form url.Values) (*OAuthTokenResult, error) {
	if self.grantToken != nil {
		return self.grantToken(ctx, tokenClient, form)
	}
	return &OAuthTokenResult{}, nil
}

func (self *mockApi) KillOtherSessions(ctx context.Context, accessToken string) error {
	if self.killOtherSessions != nil {
		return self.killOtherSessions(ctx, accessToken)
	}
	return nil
}

func (self *mockApi) GetExchangeCode(ctx context.Context, accessToken string) (*ExchangeCodeResult, error) {
	if self.getExchangeCode != nil {
		return self.getExchangeCode(ctx, accessToken)
	}
	return &ExchangeCodeResult{}, nil
}

func (self *mockApi) GenerateDeviceAuth(ctx context.Context, accessToken string, accountId string) (*DeviceAuthInfo, error) {
	if self.generateDeviceAuth != nil {
		return self.generateDeviceAuth(ctx, accessToken, accountId)
	}
	return &DeviceAuthInfo{}, nil
}

func (self *mockApi) GetDeviceAuths(ctx context.Context, accessToken string, accountId string) ([]*DeviceAuthInfo, error) {
	if self.getDeviceAuths != nil {
		return self.getDeviceAuths(ctx, accessToken, accountId)
	}
	return nil, nil
}

func (self *mockApi) DeleteDeviceAuth(ctx context.Context, accessToken string, accountId string, deviceId string) error {
	if self.deleteDeviceAuth != nil {
		return self.deleteDeviceAuth(ctx, accessToken, accountId, deviceId)
	}
	return nil
}

// the mock completes async deletes inline so tests stay deterministic
func (self *mockApi) DeleteDeviceAuthAsync(accessToken string, accountId string, deviceId string, callback apiCallback[bool]) {
	err := self.DeleteDeviceAuth(context.Background(), accessToken, accountId, deviceId)
	callback.Result(err == nil, err)
}

func (self *mockApi) StartDeviceCode(ctx context.Context, clientToken string) (*DeviceCodeSession, error) {
	if self.startDeviceCode != nil {
		return self.startDeviceCode(ctx, clientToken)
	}
	return &DeviceCodeSession{}, nil
}

func (self *mockApi) CorrectDateOfBirth(ctx context.Context, clientToken string, continuation string, dateOfBirth string) error {
	if self.correctDateOfBirth != nil {
		return self.correctDateOfBirth(ctx, clientToken, continuation, dateOfBirth)
	}
	return nil
}

func (self *mockApi) PartyLookup(ctx context.Context, partyId string) (map[string]any, error) {
	if self.partyLookup != nil {
		return self.partyLookup(ctx, partyId)
	}
	return map[string]any{}, nil
}

func (self *mockApi) PartyLookupUser(ctx context.Context, userId string) (map[string]any, error) {
	if self.partyLookupUser != nil {
		return self.partyLookupUser(ctx, userId)
	}
	return map[string]any{}, nil
}

func (self *mockApi) PartyLookupPing(ctx context.Context, userId string, pingerId string) ([]map[string]any, error) {
	if self.partyLookupPing != nil {
		return self.partyLookupPing(ctx, userId, pingerId)
	}
	return nil, nil
}

func (self *mockApi) PartyDeletePing(ctx context.Context, userId string, pingerId string) error {
	if self.partyDeletePing != nil {
		return self.partyDeletePing(ctx, userId, pingerId)
	}
	return nil
}

func (self *mockApi) PartyJoin(ctx context.Context, partyId string, userId string, joinInfo map[string]any) (map[string]any, error) {
	if self.partyJoin != nil {
		return self.partyJoin(ctx, partyId, userId, joinInfo)
	}
	return map[string]any{}, nil
}

func (self *mockApi) PartyCreate(ctx context.Context, config map[string]any, joinInfo map[string]any, meta map[string]string) (map[string]any, error) {
	if self.partyCreate != nil {
		return self.partyCreate(ctx, config, joinInfo, meta)
	}
	return map[string]any{"id": "party1"}, nil
}

func (self *mockApi) PartyLeave(ctx context.Context, partyId string, userId string) error {
	if self.partyLeave != nil {
		return self.partyLeave(ctx, partyId, userId)
	}
	return nil
}

func (self *mockApi) PartyUpdateMeta(ctx context.Context, args *PartyMetaUpdateArgs) error {
	if self.partyUpdateMeta != nil {
		return self.partyUpdateMeta(ctx, args)
	}
	return nil
}

func (self *mockApi) PartyUpdateMemberMeta(ctx context.Context, args *MemberMetaUpdateArgs) error {
	if self.partyUpdateMemberMeta != nil {
		return self.partyUpdateMemberMeta(ctx, args)
	}
	return nil
}

func (self *mockApi) PartyKickMember(ctx context.Context, partyId string, userId string) error {
	if self.partyKickMember != nil {
		return self.partyKickMember(ctx, partyId, userId)
	}
	return nil
}

func (self *mockApi) PartyPromoteMember(ctx context.Context, partyId string, userId string) error {
	if self.partyPromoteMember != nil {
		return self.partyPromoteMember(ctx, partyId, userId)
	}
	return nil
}

func (self *mockApi) PartySendInvite(ctx context.Context, partyId string, userId string, payload map[string]string) error {
	if self.partySendInvite != nil {
		return self.partySendInvite(ctx, partyId, userId, payload)
	}
	return nil
}

func (self *mockApi) PartyDeclineInvite(ctx context.Context, partyId string, userId string) error {
	if self.partyDeclineInvite != nil {
		return self.partyDeclineInvite(ctx, partyId, userId)
	}
	return nil
}

func (self *mockApi) PartyConfirmMember(ctx context.Context, partyId string, userId string) error {
	if self.partyConfirmMember != nil {
		return self.partyConfirmMember(ctx, partyId, userId)
	}
	return nil
}

func (self *mockApi) PartyRejectMember(ctx context.Context, partyId string, userId string) error {
	if self.partyRejectMember != nil {
		return self.partyRejectMember(ctx, partyId, userId)
	}
	return nil
}

func (self *mockApi) PartyChatSend(ctx context.Context, partyId string, userId string, body string) error {
	if self.partyChatSend != nil {
		return self.partyChatSend(ctx, partyId, userId, body)
	}
	return nil
}

func (self *mockApi) FriendsSummary(ctx context.Context, userId string) (map[string]any, error) {
	if self.friendsSummary != nil {
		return self.friendsSummary(ctx, userId)
	}
	return map[string]any{}, nil
}

func (self *mockApi) AddFriend(ctx context.Context, userId string, friendId string) error {
	if self.addFriend != nil {
		return self.addFriend(ctx, userId, friendId)
	}
	return nil
}

func (self *mockApi) RemoveFriend(ctx context.Context, userId string, friendId string) error {
	if self.removeFriend != nil {
		return self.removeFriend(ctx, userId, friendId)
	}
	return nil
}

func (self *mockApi) BlockUser(ctx context.Context, userId string, blockedId string) error {
	if self.blockUser != nil {
		return self.blockUser(ctx, userId, blockedId)
	}
	return nil
}

func (self *mockApi) UnblockUser(ctx context.Context, userId string, blockedId string) error {
	if self.unblockUser != nil {
		return self.unblockUser(ctx, userId, blockedId)
	}
	return nil
}

func TestDecodeHttpError(t *testing.T) {
	body := []byte(`{
		"errorCode": "errors.com.epicgames.social.party.stale_revision",
		"errorMessage": "The revision is out of date",
		"messageVars": ["party1", "12"],
		"numericErrorCode": 51024
	}`)
	httpErr := decodeHttpError(409, body)
	assert.Equal(t, 409, httpErr.StatusCode)
	assert.Equal(t, MessageCodeStaleRevision, httpErr.MessageCode)
	assert.Equal(t, []string{"party1", "12"}, httpErr.MessageVars)
	assert.Equal(t, true, IsMessageCode(httpErr, MessageCodeStaleRevision))
	assert.Equal(t, false, IsMessageCode(httpErr, MessageCodePartyNotFound))
}

func TestDecodeHttpErrorNonJsonBody(t *testing.T) {
	httpErr := decodeHttpError(503, []byte("service unavailable"))
	assert.Equal(t, 503, httpErr.StatusCode)
	assert.Equal(t, "", httpErr.MessageCode)
}
