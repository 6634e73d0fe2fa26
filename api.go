package lobby

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// OAuthTokenResult is the decoded body of a successful token grant.
type OAuthTokenResult struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	ExpiresAt        string `json:"expires_at"`
	TokenType        string `json:"token_type"`
	RefreshToken     string `json:"refresh_token"`
	RefreshExpires   int    `json:"refresh_expires"`
	RefreshExpiresAt string `json:"refresh_expires_at"`
	AccountId        string `json:"account_id"`
	ClientId         string `json:"client_id"`
	DisplayName      string `json:"displayName"`
	App              string `json:"app"`
	InAppId          string `json:"in_app_id"`
	DeviceId         string `json:"device_id"`
}

type ExchangeCodeResult struct {
	ExpiresInSeconds int    `json:"expiresInSeconds"`
	Code             string `json:"code"`
	CreatingClientId string `json:"creatingClientId"`
}

// DeviceAuthInfo is a durable login triple registered with the account service.
type DeviceAuthInfo struct {
	DeviceId  string `json:"deviceId"`
	AccountId string `json:"accountId"`
	Secret    string `json:"secret,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

type DeviceCodeSession struct {
	UserCode                string `json:"user_code"`
	DeviceCode              string `json:"device_code"`
	VerificationUri         string `json:"verification_uri"`
	VerificationUriComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
	ClientId                string `json:"client_id"`
}

type PartyMetaUpdateArgs struct {
	PartyId  string
	Updated  map[string]string
	Deleted  []string
	Override map[string]string
	Config   map[string]any
	Revision int
}

type MemberMetaUpdateArgs struct {
	PartyId  string
	UserId   string
	Updated  map[string]string
	Deleted  []string
	Override map[string]string
	Revision int
}

// Api is the narrow call surface the engine depends on. Operations return
// decoded JSON or a typed *HttpError carrying the service's message code.
type Api interface {
	GrantToken(ctx context.Context, tokenClient string, form url.Values) (*OAuthTokenResult, error)
	KillOtherSessions(ctx context.Context, accessToken string) error
	GetExchangeCode(ctx context.Context, accessToken string) (*ExchangeCodeResult, error)
	GenerateDeviceAuth(ctx context.Context, accessToken string, accountId string) (*DeviceAuthInfo, error)
	GetDeviceAuths(ctx context.Context, accessToken string, accountId string) ([]*DeviceAuthInfo, error)
	DeleteDeviceAuth(ctx context.Context, accessToken string, accountId string, deviceId string) error
	DeleteDeviceAuthAsync(accessToken string, accountId string, deviceId string, callback apiCallback[bool])
	StartDeviceCode(ctx context.Context, clientToken string) (*DeviceCodeSession, error)
	CorrectDateOfBirth(ctx context.Context, clientToken string, continuation string, dateOfBirth string) error

	PartyLookup(ctx context.Context, partyId string) (map[string]any, error)
	PartyLookupUser(ctx context.Context, userId string) (map[string]any, error)
	PartyLookupPing(ctx context.Context, userId string, pingerId string) ([]map[string]any, error)
	PartyDeletePing(ctx context.Context, userId string, pingerId string) error
	PartyJoin(ctx context.Context, partyId string, userId string, joinInfo map[string]any) (map[string]any, error)
	PartyCreate(ctx context.Context, config map[string]any, joinInfo map[string]any, meta map[string]string) (map[string]any, error)
	PartyLeave(ctx context.Context, partyId string, userId string) error
	PartyUpdateMeta(ctx context.Context, args *PartyMetaUpdateArgs) error
	PartyUpdateMemberMeta(ctx context.Context, args *MemberMetaUpdateArgs) error
	PartyKickMember(ctx context.Context, partyId string, userId string) error
	PartyPromoteMember(ctx context.Context, partyId string, userId string) error
	PartySendInvite(ctx context.Context, partyId string, userId string, payload map[string]string) error
	PartyDeclineInvite(ctx context.Context, partyId string, userId string) error
	PartyConfirmMember(ctx context.Context, partyId string, userId string) error
	PartyRejectMember(ctx context.Context, partyId string, userId string) error
	PartyChatSend(ctx context.Context, partyId string, userId string, body string) error

	FriendsSummary(ctx context.Context, userId string) (map[string]any, error)
	AddFriend(ctx context.Context, userId string, friendId string) error
	RemoveFriend(ctx context.Context, userId string, friendId string) error
	BlockUser(ctx context.Context, userId string, blockedId string) error
	UnblockUser(ctx context.Context, userId string, blockedId string) error
}

type LobbyApiSettings struct {
	AccountUrl string
	PartyUrl   string
	FriendsUrl string
	ChatUrl    string
	// chat conversations are scoped per deployment
	ChatDeploymentId string
	HttpClient       *http.Client
}

func DefaultLobbyApiSettings() *LobbyApiSettings {
	return &LobbyApiSettings{
		AccountUrl:       "https://account-public-service-prod.ol.epicgames.com/account/api",
		PartyUrl:         "https://party-service-prod.ol.epicgames.com/party/api/v1/Fortnite",
		FriendsUrl:       "https://friends-public-service-prod.ol.epicgames.com/friends/api/v1",
		ChatUrl:          "https://eos.chat.live.use1a.on.epicgames.com",
		ChatDeploymentId: "62a9473a2dca46b29ccf17577fcf42d7",
		HttpClient:       defaultClient(),
	}
}

// LobbyApi is the HTTP implementation of Api.
type LobbyApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *LobbyApiSettings

	// session bearer for the party surface, set after authentication
	sessionToken func() string
	// chat bearer for the conversation surface
	chatToken func() string
}

func NewLobbyApiWithDefaults(ctx context.Context) *LobbyApi {
	return NewLobbyApi(ctx, DefaultLobbyApiSettings())
}

func NewLobbyApi(ctx context.Context, settings *LobbyApiSettings) *LobbyApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &LobbyApi{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		sessionToken: func() string {
			return ""
		},
		chatToken: func() string {
			return ""
		},
	}
}

// SetSessionTokenSource attaches the bearer used by the party surface.
func (self *LobbyApi) SetSessionTokenSource(sessionToken func() string) {
	self.sessionToken = sessionToken
}

// SetChatTokenSource attaches the bearer used by the conversation surface.
func (self *LobbyApi) SetChatTokenSource(chatToken func() string) {
	self.chatToken = chatToken
}

func (self *LobbyApi) Close() {
	self.cancel()
}

func (self *LobbyApi) GrantToken(ctx context.Context, tokenClient string, form url.Values) (*OAuthTokenResult, error) {
	return postForm(
		ctx,
		self.settings.HttpClient,
		fmt.Sprintf("%s/oauth/token", self.settings.AccountUrl),
		form,
		fmt.Sprintf("basic %s", tokenClient),
		&OAuthTokenResult{},
	)
}

func (self *LobbyApi) KillOtherSessions(ctx context.Context, accessToken string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"DELETE",
		fmt.Sprintf("%s/oauth/sessions/kill?killType=OTHERS_ACCOUNT_CLIENT_SERVICE", self.settings.AccountUrl),
		nil,
		bearer(accessToken),
	)
}

func (self *LobbyApi) GetExchangeCode(ctx context.Context, accessToken string) (*ExchangeCodeResult, error) {
	return getJson(
		ctx,
		self.settings.HttpClient,
		fmt.Sprintf("%s/oauth/exchange", self.settings.AccountUrl),
		bearer(accessToken),
		&ExchangeCodeResult{},
	)
}

func (self *LobbyApi) GenerateDeviceAuth(ctx context.Context, accessToken string, accountId string) (*DeviceAuthInfo, error) {
	return postJson(
		ctx,
		self.settings.HttpClient,
		fmt.Sprintf("%s/public/account/%s/deviceAuth", self.settings.AccountUrl, accountId),
		nil,
		bearer(accessToken),
		&DeviceAuthInfo{},
	)
}

func (self *LobbyApi) GetDeviceAuths(ctx context.Context, accessToken string, accountId string) ([]*DeviceAuthInfo, error) {
	return getJson(
		ctx,
		self.settings.HttpClient,
		fmt.Sprintf("%s/public/account/%s/deviceAuth", self.settings.AccountUrl, accountId),
		bearer(accessToken),
		[]*DeviceAuthInfo{},
	)
}

func (self *LobbyApi) DeleteDeviceAuth(ctx context.Context, accessToken string, accountId string, deviceId string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"DELETE",
		fmt.Sprintf("%s/public/account/%s/deviceAuth/%s", self.settings.AccountUrl, accountId, deviceId),
		nil,
		bearer(accessToken),
	)
}

// DeleteDeviceAuthAsync is the fire-and-forget variant used for best-effort
// parallel revocation.
func (self *LobbyApi) DeleteDeviceAuthAsync(accessToken string, accountId string, deviceId string, callback apiCallback[bool]) {
	go func() {
		err := self.DeleteDeviceAuth(self.ctx, accessToken, accountId, deviceId)
		callback.Result(err == nil, err)
	}()
}

func (self *LobbyApi) StartDeviceCode(ctx context.Context, clientToken string) (*DeviceCodeSession, error) {
	return postForm(
		ctx,
		self.settings.HttpClient,
		fmt.Sprintf("%s/oauth/deviceAuthorization", self.settings.AccountUrl),
		url.Values{"prompt": []string{"login"}},
		bearer(clientToken),
		&DeviceCodeSession{},
	)
}

func (self *LobbyApi) CorrectDateOfBirth(ctx context.Context, clientToken string, continuation string, dateOfBirth string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"POST",
		fmt.Sprintf("%s/oauth/corrections/dateOfBirth", self.settings.AccountUrl),
		map[string]string{
			"continuation": continuation,
			"dateOfBirth":  dateOfBirth,
		},
		bearer(clientToken),
	)
}

func (self *LobbyApi) PartyLookup(ctx context.Context, partyId string) (map[string]any, error) {
	return getJson(
		ctx,
		self.settings.HttpClient,
		fmt.Sprintf("%s/parties/%s", self.settings.PartyUrl, partyId),
		bearer(self.sessionToken()),
		map[string]any{},
	)
}

func (self *LobbyApi) PartyLookupUser(ctx context.Context, userId string) (map[string]any, error) {
	return getJson(
		ctx,
		self.settings.HttpClient,
		fmt.Sprintf("%s/user/%s", self.settings.PartyUrl, userId),
		bearer(self.sessionToken()),
		map[string]any{},
	)
}

func (self *LobbyApi) PartyLookupPing(ctx context.Context, userId string, pingerId string) ([]map[string]any, error) {
	return getJson(
		ctx,
		self.settings.HttpClient,
		fmt.Sprintf("%s/user/%s/pings/%s/parties", self.settings.PartyUrl, userId, pingerId),
		bearer(self.sessionToken()),
		[]map[string]any{},
	)
}

func (self *LobbyApi) PartyDeletePing(ctx context.Context, userId string, pingerId string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"DELETE",
		fmt.Sprintf("%s/user/%s/pings/%s", self.settings.PartyUrl, userId, pingerId),
		nil,
		bearer(self.sessionToken()),
	)
}

func (self *LobbyApi) PartyJoin(ctx context.Context, partyId string, userId string, joinInfo map[string]any) (map[string]any, error) {
	return postJson(
		ctx,
		self.settings.HttpClient,
		fmt.Sprintf("%s/parties/%s/members/%s/join", self.settings.PartyUrl, partyId, userId),
		joinInfo,
		bearer(self.sessionToken()),
		map[string]any{},
	)
}

func (self *LobbyApi) PartyCreate(ctx context.Context, config map[string]any, joinInfo map[string]any, meta map[string]string) (map[string]any, error) {
	args := map[string]any{
		"config": config,
		"join_info": map[string]any{
			"connection": joinInfo,
		},
		"meta": meta,
	}
	return postJson(
		ctx,
		self.settings.HttpClient,
		fmt.Sprintf("%s/parties", self.settings.PartyUrl),
		args,
		bearer(self.sessionToken()),
		map[string]any{},
	)
}

func (self *LobbyApi) PartyLeave(ctx context.Context, partyId string, userId string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"DELETE",
		fmt.Sprintf("%s/parties/%s/members/%s", self.settings.PartyUrl, partyId, userId),
		nil,
		bearer(self.sessionToken()),
	)
}

func (self *LobbyApi) PartyUpdateMeta(ctx context.Context, args *PartyMetaUpdateArgs) error {
	body := map[string]any{
		"config": emptyIfNilMap(args.Config),
		"meta": map[string]any{
			"update": emptyIfNilMap(args.Updated),
			"delete": emptyIfNilSlice(args.Deleted),
		},
		"party_state_overridden": emptyIfNilMap(args.Override),
		"party_state_updated":    map[string]any{},
		"party_state_removed":    []string{},
		"revision":               args.Revision,
	}
	return do(
		ctx,
		self.settings.HttpClient,
		"PATCH",
		fmt.Sprintf("%s/parties/%s", self.settings.PartyUrl, args.PartyId),
		body,
		bearer(self.sessionToken()),
	)
}

func (self *LobbyApi) PartyUpdateMemberMeta(ctx context.Context, args *MemberMetaUpdateArgs) error {
	body := map[string]any{
		"update":   emptyIfNilMap(args.Updated),
		"delete":   emptyIfNilSlice(args.Deleted),
		"override": emptyIfNilMap(args.Override),
		"revision": args.Revision,
	}
	return do(
		ctx,
		self.settings.HttpClient,
		"PATCH",
		fmt.Sprintf("%s/parties/%s/members/%s/meta", self.settings.PartyUrl, args.PartyId, args.UserId),
		body,
		bearer(self.sessionToken()),
	)
}

func (self *LobbyApi) PartyKickMember(ctx context.Context, partyId string, userId string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"DELETE",
		fmt.Sprintf("%s/parties/%s/members/%s", self.settings.PartyUrl, partyId, userId),
		nil,
		bearer(self.sessionToken()),
	)
}

func (self *LobbyApi) PartyPromoteMember(ctx context.Context, partyId string, userId string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"POST",
		fmt.Sprintf("%s/parties/%s/members/%s/promote", self.settings.PartyUrl, partyId, userId),
		nil,
		bearer(self.sessionToken()),
	)
}

func (self *LobbyApi) PartySendInvite(ctx context.Context, partyId string, userId string, payload map[string]string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"POST",
		fmt.Sprintf("%s/parties/%s/invites/%s?sendPing=true", self.settings.PartyUrl, partyId, userId),
		payload,
		bearer(self.sessionToken()),
	)
}

func (self *LobbyApi) PartyDeclineInvite(ctx context.Context, partyId string, userId string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"POST",
		fmt.Sprintf("%s/parties/%s/invites/%s/decline", self.settings.PartyUrl, partyId, userId),
		nil,
		bearer(self.sessionToken()),
	)
}

func (self *LobbyApi) PartyConfirmMember(ctx context.Context, partyId string, userId string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"POST",
		fmt.Sprintf("%s/parties/%s/members/%s/confirm", self.settings.PartyUrl, partyId, userId),
		nil,
		bearer(self.sessionToken()),
	)
}

func (self *LobbyApi) PartyRejectMember(ctx context.Context, partyId string, userId string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"POST",
		fmt.Sprintf("%s/parties/%s/members/%s/reject", self.settings.PartyUrl, partyId, userId),
		nil,
		bearer(self.sessionToken()),
	)
}

// PartyChatSend posts one message to the party conversation. Conversation
// ids are the party id with a p- prefix.
func (self *LobbyApi) PartyChatSend(ctx context.Context, partyId string, userId string, body string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"POST",
		fmt.Sprintf(
			"%s/v1/public/msg/%s/conversations/p-%s/messages?fromAccountId=%s",
			self.settings.ChatUrl,
			self.settings.ChatDeploymentId,
			partyId,
			userId,
		),
		map[string]any{
			"message": map[string]any{
				"body": body,
			},
		},
		bearer(self.chatToken()),
	)
}

func (self *LobbyApi) FriendsSummary(ctx context.Context, userId string) (map[string]any, error) {
	return getJson(
		ctx,
		self.settings.HttpClient,
		fmt.Sprintf("%s/%s/summary", self.settings.FriendsUrl, userId),
		bearer(self.sessionToken()),
		map[string]any{},
	)
}

func (self *LobbyApi) AddFriend(ctx context.Context, userId string, friendId string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"POST",
		fmt.Sprintf("%s/%s/friends/%s", self.settings.FriendsUrl, userId, friendId),
		nil,
		bearer(self.sessionToken()),
	)
}

func (self *LobbyApi) RemoveFriend(ctx context.Context, userId string, friendId string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"DELETE",
		fmt.Sprintf("%s/%s/friends/%s", self.settings.FriendsUrl, userId, friendId),
		nil,
		bearer(self.sessionToken()),
	)
}

func (self *LobbyApi) BlockUser(ctx context.Context, userId string, blockedId string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"POST",
		fmt.Sprintf("%s/%s/blocklist/%s", self.settings.FriendsUrl, userId, blockedId),
		nil,
		bearer(self.sessionToken()),
	)
}

func (self *LobbyApi) UnblockUser(ctx context.Context, userId string, blockedId string) error {
	return do(
		ctx,
		self.settings.HttpClient,
		"DELETE",
		fmt.Sprintf("%s/%s/blocklist/%s", self.settings.FriendsUrl, userId, blockedId),
		nil,
		bearer(self.sessionToken()),
	)
}

func bearer(token string) string {
	if token == "" {
		return ""
	}
	return fmt.Sprintf("bearer %s", token)
}

func emptyIfNilMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}

func emptyIfNilSlice[V any](s []V) []V {
	if s == nil {
		return []V{}
	}
	return s
}

func postJson[R any](ctx context.Context, client *http.Client, url string, args any, authorization string, result R) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		return empty, err
	}
	req.Header.Add("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Add("Authorization", authorization)
	}

	return roundTrip(client, req, result)
}

func postForm[R any](ctx context.Context, client *http.Client, url_ string, form url.Values, authorization string, result R) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", url_, strings.NewReader(form.Encode()))
	if err != nil {
		var empty R
		return empty, err
	}
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	if authorization != "" {
		req.Header.Add("Authorization", authorization)
	}

	return roundTrip(client, req, result)
}

func getJson[R any](ctx context.Context, client *http.Client, url string, authorization string, result R) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		return empty, err
	}
	if authorization != "" {
		req.Header.Add("Authorization", authorization)
	}

	return roundTrip(client, req, result)
}

// do issues a request where only the error outcome matters.
func do(ctx context.Context, client *http.Client, method string, url string, args any, authorization string) error {
	var body io.Reader
	if args != nil {
		requestBodyBytes, err := json.Marshal(args)
		if err != nil {
			return err
		}
		body = bytes.NewReader(requestBodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if args != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	if authorization != "" {
		req.Header.Add("Authorization", authorization)
	}

	_, err = roundTrip(client, req, map[string]any{})
	return err
}

func roundTrip[R any](client *http.Client, req *http.Request, result R) (R, error) {
	r, err := client.Do(req)
	if err != nil {
		var empty R
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		var empty R
		return empty, err
	}

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		var empty R
		return empty, decodeHttpError(r.StatusCode, responseBodyBytes)
	}

	if len(responseBodyBytes) == 0 {
		return result, nil
	}
	if err := json.Unmarshal(responseBodyBytes, &result); err != nil {
		var empty R
		return empty, err
	}
	glog.V(2).Infof("[api]%s %s ok\n", req.Method, req.URL.Path)
	return result, nil
}

func decodeHttpError(statusCode int, body []byte) *HttpError {
	httpErr := &HttpError{
		StatusCode: statusCode,
	}
	raw := map[string]any{}
	if err := json.Unmarshal(body, &raw); err == nil {
		httpErr.Raw = raw
		if messageCode, ok := raw["errorCode"].(string); ok {
			httpErr.MessageCode = messageCode
		}
		if messageVars, ok := raw["messageVars"].([]any); ok {
			for _, v := range messageVars {
				if s, ok := v.(string); ok {
					httpErr.MessageVars = append(httpErr.MessageVars, s)
				}
			}
		}
	}
	return httpErr
}
