package lobby

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/golang/glog"
)

type AuthSettings struct {
	// oauth client pairs for the two token families
	PrimaryClientId     string
	PrimaryClientSecret string
	GameClientId        string
	GameClientSecret    string
	DeploymentId        string

	CodeRetryCount     int
	DeviceCodeInterval time.Duration
}

func DefaultAuthSettings() *AuthSettings {
	return &AuthSettings{
		PrimaryClientId:     "3446cd72694c4a4485d81b77adbb2141",
		PrimaryClientSecret: "9209d4a5e25a457fb9b07489d313b41a",
		GameClientId:        "ec684b8c687f479fadea3cb2ad83f5c6",
		GameClientSecret:    "e1f31c211f28413186262d37a13fc84d",
		DeploymentId:        "62a9473a2dca46b29ccf17577fcf42d7",
		CodeRetryCount:     3,
		DeviceCodeInterval: 10 * time.Second,
	}
}

func (self *AuthSettings) primaryTokenClient() string {
	return basicToken(self.PrimaryClientId, self.PrimaryClientSecret)
}

func (self *AuthSettings) gameTokenClient() string {
	return basicToken(self.GameClientId, self.GameClientSecret)
}

func basicToken(clientId string, clientSecret string) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("%s:%s", clientId, clientSecret)))
}

// Auth is one login strategy. Authenticate must leave no partial credential
// state behind on error or cancellation.
type Auth interface {
	Authenticate(ctx context.Context) (*Credential, error)
	Reauthenticate(ctx context.Context) (*Credential, error)
	Identifier() string
	RequiresEulaCheck() bool
}

// authCore is the grant machinery shared by all strategies.
type authCore struct {
	api      Api
	bus      *EventBus
	settings *AuthSettings
	now      func() time.Time
}

func newAuthCore(api Api, bus *EventBus, settings *AuthSettings) authCore {
	return authCore{
		api:      api,
		bus:      bus,
		settings: settings,
		now:      time.Now,
	}
}

// grant issues a token grant, resolving a date-of-birth corrective action
// once before giving up.
func (self *authCore) grant(ctx context.Context, tokenClient string, form url.Values) (*OAuthTokenResult, error) {
	result, err := self.api.GrantToken(ctx, tokenClient, form)
	if err == nil {
		return result, nil
	}
	httpErr, ok := AsHttpError(err)
	if !ok || httpErr.MessageCode != MessageCodeCorrectiveAction {
		return nil, err
	}

	correctiveAction, _ := httpErr.Raw["correctiveAction"].(string)
	if correctiveAction != "DATE_OF_BIRTH" {
		return nil, &AuthError{
			Op:      "grant",
			Message: fmt.Sprintf("unsupported corrective action %s", correctiveAction),
			Err:     err,
		}
	}

	continuation, _ := httpErr.Raw["continuation"].(string)
	clientResult, err := self.grantClientCredentials(ctx)
	if err != nil {
		return nil, err
	}
	dateOfBirth := fmt.Sprintf(
		"%04d-%02d-%02d",
		1990+rand.Intn(13),
		1+rand.Intn(12),
		1+rand.Intn(28),
	)
	if err := self.api.CorrectDateOfBirth(ctx, clientResult.AccessToken, continuation, dateOfBirth); err != nil {
		return nil, err
	}
	glog.Infof("[auth]resolved date of birth corrective action\n")
	return self.api.GrantToken(ctx, tokenClient, form)
}

func (self *authCore) grantClientCredentials(ctx context.Context) (*OAuthTokenResult, error) {
	return self.api.GrantToken(ctx, self.settings.primaryTokenClient(), url.Values{
		"grant_type": []string{"client_credentials"},
		"token_type": []string{"eg1"},
	})
}

// completeSession runs the common tail of every account login: kill stale
// sessions, exchange the primary session for a game session, then derive the
// chat token.
func (self *authCore) completeSession(ctx context.Context, primary *OAuthTokenResult) (*Credential, error) {
	now := self.now()
	credential := &Credential{}
	credential.applyPrimary(primary, now)

	if err := self.api.KillOtherSessions(ctx, credential.Primary.AccessToken); err != nil {
		glog.Infof("[auth]kill other sessions error = %s\n", err)
	}

	exchange, err := self.api.GetExchangeCode(ctx, credential.Primary.AccessToken)
	if err != nil {
		return nil, err
	}

	secondary, err := self.grant(ctx, self.settings.gameTokenClient(), url.Values{
		"grant_type": []string{"exchange_code"},
		"exchange_code": []string{exchange.Code},
		"token_type": []string{"eg1"},
	})
	if err != nil {
		return nil, err
	}
	credential.applySecondary(secondary, self.now())

	if err := self.grantChat(ctx, credential); err != nil {
		return nil, err
	}
	return credential, nil
}

func (self *authCore) grantChat(ctx context.Context, credential *Credential) error {
	chat, err := self.grant(ctx, self.settings.gameTokenClient(), url.Values{
		"grant_type":    []string{"refresh_token"},
		"refresh_token": []string{credential.Secondary.RefreshToken},
		"token_type":    []string{"eg1"},
		"deployment_id": []string{self.settings.DeploymentId},
	})
	if err != nil {
		return err
	}
	credential.applyChat(chat, self.now())
	return nil
}

// DeviceAuth logs in silently with a durable device-bound triple.
type DeviceAuth struct {
	authCore

	deviceId  string
	accountId string
	secret    string
}

func NewDeviceAuth(api Api, bus *EventBus, settings *AuthSettings, deviceId string, accountId string, secret string) *DeviceAuth {
	return &DeviceAuth{
		authCore:  newAuthCore(api, bus, settings),
		deviceId:  deviceId,
		accountId: accountId,
		secret:    secret,
	}
}

func (self *DeviceAuth) Authenticate(ctx context.Context) (*Credential, error) {
	primary, err := self.grant(ctx, self.settings.primaryTokenClient(), url.Values{
		"grant_type": []string{"device_auth"},
		"device_id":  []string{self.deviceId},
		"account_id": []string{self.accountId},
		"secret":     []string{self.secret},
		"token_type": []string{"eg1"},
	})
	if err != nil {
		return nil, err
	}
	credential, err := self.completeSession(ctx, primary)
	if err != nil {
		return nil, err
	}
	credential.DeviceId = self.deviceId
	return credential, nil
}

func (self *DeviceAuth) Reauthenticate(ctx context.Context) (*Credential, error) {
	return self.Authenticate(ctx)
}

func (self *DeviceAuth) Identifier() string {
	return fmt.Sprintf("device:%s", self.accountId)
}

func (self *DeviceAuth) RequiresEulaCheck() bool {
	return true
}

// CodeResolver produces a one-time login code, interactively or otherwise.
type CodeResolver func(ctx context.Context) (string, error)

// OneTimeCodeAuth redeems a single-use exchange or authorization code.
type OneTimeCodeAuth struct {
	authCore

	grantType string
	codeField string
	resolver  CodeResolver
}

func NewExchangeCodeAuth(api Api, bus *EventBus, settings *AuthSettings, resolver CodeResolver) *OneTimeCodeAuth {
	return &OneTimeCodeAuth{
		authCore:  newAuthCore(api, bus, settings),
		grantType: "exchange_code",
		codeField: "exchange_code",
		resolver:  resolver,
	}
}

func NewAuthorizationCodeAuth(api Api, bus *EventBus, settings *AuthSettings, resolver CodeResolver) *OneTimeCodeAuth {
	return &OneTimeCodeAuth{
		authCore:  newAuthCore(api, bus, settings),
		grantType: "authorization_code",
		codeField: "code",
		resolver:  resolver,
	}
}

func (self *OneTimeCodeAuth) Authenticate(ctx context.Context) (*Credential, error) {
	var lastErr error
	for i := 0; i < self.settings.CodeRetryCount; i += 1 {
		code, err := self.resolver(ctx)
		if err != nil {
			return nil, err
		}
		primary, err := self.grant(ctx, self.settings.primaryTokenClient(), url.Values{
			"grant_type":    []string{self.grantType},
			self.codeField:  []string{code},
			"token_type":    []string{"eg1"},
		})
		if err == nil {
			return self.completeSession(ctx, primary)
		}
		lastErr = err
		if !IsMessageCode(err, MessageCodeExchangeNotFound) && !IsMessageCode(err, MessageCodeExchangeExpired) {
			return nil, err
		}
		glog.Infof("[auth]%s rejected, retry %d = %s\n", self.grantType, i+1, err)
	}
	return nil, lastErr
}

func (self *OneTimeCodeAuth) Reauthenticate(ctx context.Context) (*Credential, error) {
	return self.Authenticate(ctx)
}

func (self *OneTimeCodeAuth) Identifier() string {
	return self.grantType
}

func (self *OneTimeCodeAuth) RequiresEulaCheck() bool {
	return true
}

// RefreshTokenAuth starts a session from a raw refresh token.
type RefreshTokenAuth struct {
	authCore

	refreshToken string
}

func NewRefreshTokenAuth(api Api, bus *EventBus, settings *AuthSettings, refreshToken string) *RefreshTokenAuth {
	return &RefreshTokenAuth{
		authCore:     newAuthCore(api, bus, settings),
		refreshToken: refreshToken,
	}
}

func (self *RefreshTokenAuth) Authenticate(ctx context.Context) (*Credential, error) {
	primary, err := self.grant(ctx, self.settings.primaryTokenClient(), url.Values{
		"grant_type":    []string{"refresh_token"},
		"refresh_token": []string{self.refreshToken},
		"token_type":    []string{"eg1"},
	})
	if err != nil {
		return nil, err
	}
	return self.completeSession(ctx, primary)
}

func (self *RefreshTokenAuth) Reauthenticate(ctx context.Context) (*Credential, error) {
	return self.Authenticate(ctx)
}

func (self *RefreshTokenAuth) Identifier() string {
	return "refresh_token"
}

func (self *RefreshTokenAuth) RequiresEulaCheck() bool {
	return true
}

// ClientCredentialsAuth holds only a service session with no account
// attached. Used standalone for unauthenticated surfaces.
type ClientCredentialsAuth struct {
	authCore
}

func NewClientCredentialsAuth(api Api, bus *EventBus, settings *AuthSettings) *ClientCredentialsAuth {
	return &ClientCredentialsAuth{
		authCore: newAuthCore(api, bus, settings),
	}
}

func (self *ClientCredentialsAuth) Authenticate(ctx context.Context) (*Credential, error) {
	primary, err := self.grantClientCredentials(ctx)
	if err != nil {
		return nil, err
	}
	credential := &Credential{}
	credential.applyPrimary(primary, self.now())
	return credential, nil
}

func (self *ClientCredentialsAuth) Reauthenticate(ctx context.Context) (*Credential, error) {
	return self.Authenticate(ctx)
}

func (self *ClientCredentialsAuth) Identifier() string {
	return "client_credentials"
}

func (self *ClientCredentialsAuth) RequiresEulaCheck() bool {
	return false
}

// DeviceCodeAuth runs the polling device-code flow. The verification
// callback receives the session so the embedder can show the login url.
type DeviceCodeAuth struct {
	authCore

	onVerification func(session *DeviceCodeSession)
}

func NewDeviceCodeAuth(api Api, bus *EventBus, settings *AuthSettings, onVerification func(session *DeviceCodeSession)) *DeviceCodeAuth {
	return &DeviceCodeAuth{
		authCore:       newAuthCore(api, bus, settings),
		onVerification: onVerification,
	}
}

func (self *DeviceCodeAuth) Authenticate(ctx context.Context) (*Credential, error) {
	clientResult, err := self.grantClientCredentials(ctx)
	if err != nil {
		return nil, err
	}
	session, err := self.api.StartDeviceCode(ctx, clientResult.AccessToken)
	if err != nil {
		return nil, err
	}
	if self.onVerification != nil {
		self.onVerification(session)
	}

	interval := self.settings.DeviceCodeInterval
	if 0 < session.Interval {
		interval = time.Duration(session.Interval) * time.Second
	}

	for {
		primary, err := self.grant(ctx, self.settings.primaryTokenClient(), url.Values{
			"grant_type":  []string{"device_code"},
			"device_code": []string{session.DeviceCode},
			"token_type":  []string{"eg1"},
		})
		if err == nil {
			return self.completeSession(ctx, primary)
		}
		if !IsMessageCode(err, MessageCodeAuthorizationPending) {
			return nil, err
		}
		glog.V(2).Infof("[auth]device code pending\n")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (self *DeviceCodeAuth) Reauthenticate(ctx context.Context) (*Credential, error) {
	return self.Authenticate(ctx)
}

func (self *DeviceCodeAuth) Identifier() string {
	return "device_code"
}

func (self *DeviceCodeAuth) RequiresEulaCheck() bool {
	return true
}

// AdvancedAuth tries strategies in fixed priority order: device-bound
// triple, then device-code polling, then a one-time-code prompt. Any
// non-device success registers a fresh device auth and announces it on the
// bus so the embedder can persist it.
type AdvancedAuth struct {
	authCore

	deviceId  string
	accountId string
	secret    string

	enableDeviceCode bool
	onVerification   func(session *DeviceCodeSession)
	codeResolver     CodeResolver

	deleteOtherDeviceAuths bool

	lastUsed Auth
}

type AdvancedAuthOptions struct {
	DeviceId  string
	AccountId string
	Secret    string

	EnableDeviceCode bool
	OnVerification   func(session *DeviceCodeSession)
	CodeResolver     CodeResolver

	DeleteOtherDeviceAuths bool
}

func NewAdvancedAuth(api Api, bus *EventBus, settings *AuthSettings, options *AdvancedAuthOptions) *AdvancedAuth {
	return &AdvancedAuth{
		authCore:               newAuthCore(api, bus, settings),
		deviceId:               options.DeviceId,
		accountId:              options.AccountId,
		secret:                 options.Secret,
		enableDeviceCode:       options.EnableDeviceCode,
		onVerification:         options.OnVerification,
		codeResolver:           options.CodeResolver,
		deleteOtherDeviceAuths: options.DeleteOtherDeviceAuths,
	}
}

func (self *AdvancedAuth) hasDeviceTriple() bool {
	return self.deviceId != "" && self.accountId != "" && self.secret != ""
}

func (self *AdvancedAuth) Authenticate(ctx context.Context) (*Credential, error) {
	if self.hasDeviceTriple() {
		deviceAuth := NewDeviceAuth(self.api, self.bus, self.settings, self.deviceId, self.accountId, self.secret)
		credential, err := deviceAuth.Authenticate(ctx)
		if err == nil {
			self.lastUsed = deviceAuth
			return credential, nil
		}
		if !invalidCredentialCondition(err) {
			return nil, err
		}
		glog.Infof("[auth]device credentials rejected = %s\n", err)
	}

	if self.enableDeviceCode {
		deviceCodeAuth := NewDeviceCodeAuth(self.api, self.bus, self.settings, self.onVerification)
		credential, err := deviceCodeAuth.Authenticate(ctx)
		if err == nil {
			self.lastUsed = deviceCodeAuth
			return credential, self.establishDeviceAuth(ctx, credential)
		}
		if !invalidCredentialCondition(err) {
			return nil, err
		}
		glog.Infof("[auth]device code flow failed = %s\n", err)
	}

	if self.codeResolver != nil {
		codeAuth := NewExchangeCodeAuth(self.api, self.bus, self.settings, self.codeResolver)
		credential, err := codeAuth.Authenticate(ctx)
		if err != nil {
			return nil, err
		}
		self.lastUsed = codeAuth
		return credential, self.establishDeviceAuth(ctx, credential)
	}

	return nil, &AuthError{Op: "authenticate", Message: "no usable login strategy"}
}

// establishDeviceAuth makes the session durable: generate a device triple,
// announce it, optionally revoke every other registered triple.
func (self *AdvancedAuth) establishDeviceAuth(ctx context.Context, credential *Credential) error {
	generated, err := self.api.GenerateDeviceAuth(ctx, credential.Primary.AccessToken, credential.AccountId)
	if err != nil {
		return err
	}
	self.deviceId = generated.DeviceId
	self.accountId = generated.AccountId
	self.secret = generated.Secret
	credential.DeviceId = generated.DeviceId
	if self.bus != nil {
		self.bus.Dispatch(EventDeviceAuthGenerate, generated)
	}

	if self.deleteOtherDeviceAuths {
		self.revokeOtherDeviceAuths(ctx, credential, generated.DeviceId)
	}
	return nil
}

func (self *AdvancedAuth) revokeOtherDeviceAuths(ctx context.Context, credential *Credential, keepDeviceId string) {
	deviceAuths, err := self.api.GetDeviceAuths(ctx, credential.Primary.AccessToken, credential.AccountId)
	if err != nil {
		glog.Infof("[auth]list device auths error = %s\n", err)
		return
	}
	// best effort, partial failures are swallowed
	for _, deviceAuth := range deviceAuths {
		if deviceAuth.DeviceId == keepDeviceId {
			continue
		}
		self.api.DeleteDeviceAuthAsync(
			credential.Primary.AccessToken,
			credential.AccountId,
			deviceAuth.DeviceId,
			NewNoopApiCallback[bool](),
		)
	}
}

func (self *AdvancedAuth) Reauthenticate(ctx context.Context) (*Credential, error) {
	if self.lastUsed != nil {
		if self.hasDeviceTriple() {
			deviceAuth := NewDeviceAuth(self.api, self.bus, self.settings, self.deviceId, self.accountId, self.secret)
			return deviceAuth.Authenticate(ctx)
		}
		return self.lastUsed.Reauthenticate(ctx)
	}
	return self.Authenticate(ctx)
}

func (self *AdvancedAuth) Identifier() string {
	return "advanced"
}

func (self *AdvancedAuth) RequiresEulaCheck() bool {
	return true
}

func invalidCredentialCondition(err error) bool {
	if httpErr, ok := AsHttpError(err); ok {
		switch httpErr.MessageCode {
		case MessageCodeInvalidCredentials, MessageCodeExchangeNotFound, MessageCodeExchangeExpired:
			return true
		}
		return httpErr.StatusCode == 400 || httpErr.StatusCode == 401
	}
	return false
}

type AuthManagerSettings struct {
	RefreshLeeway time.Duration
	// floor for the computed sleep, keeps a clock skew from spinning the loop
	MinRefreshDelay time.Duration
}

func DefaultAuthManagerSettings() *AuthManagerSettings {
	return &AuthManagerSettings{
		RefreshLeeway:   300 * time.Second,
		MinRefreshDelay: 5 * time.Second,
	}
}

// AuthManager owns the credential and runs the background refresh loop.
type AuthManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	api          Api
	bus          *EventBus
	auth         Auth
	authSettings *AuthSettings
	settings     *AuthManagerSettings

	stateLock  sync.Mutex
	credential *Credential

	refreshLock sync.Mutex
	wake        chan struct{}
}

func NewAuthManagerWithDefaults(ctx context.Context, api Api, bus *EventBus, auth Auth, authSettings *AuthSettings) *AuthManager {
	return NewAuthManager(ctx, api, bus, auth, authSettings, DefaultAuthManagerSettings())
}

func NewAuthManager(ctx context.Context, api Api, bus *EventBus, auth Auth, authSettings *AuthSettings, settings *AuthManagerSettings) *AuthManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &AuthManager{
		ctx:          cancelCtx,
		cancel:       cancel,
		api:          api,
		bus:          bus,
		auth:         auth,
		authSettings: authSettings,
		settings:     settings,
		wake:         make(chan struct{}, 1),
	}
}

func (self *AuthManager) Credential() *Credential {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.credential
}

func (self *AuthManager) SessionToken() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.credential == nil {
		return ""
	}
	return self.credential.Secondary.AccessToken
}

func (self *AuthManager) ChatToken() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.credential == nil {
		return ""
	}
	return self.credential.Chat.AccessToken
}

func (self *AuthManager) AccountId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.credential == nil {
		return ""
	}
	return self.credential.AccountId
}

func (self *AuthManager) setCredential(credential *Credential) {
	self.stateLock.Lock()
	self.credential = credential
	self.stateLock.Unlock()
}

// Authenticate runs the configured strategy and starts the refresh loop.
func (self *AuthManager) Authenticate(ctx context.Context) (*Credential, error) {
	credential, err := self.auth.Authenticate(ctx)
	if err != nil {
		return nil, err
	}
	self.setCredential(credential)
	go self.run()
	return credential, nil
}

func (self *AuthManager) run() {
	for {
		credential := self.Credential()
		if credential == nil {
			return
		}
		delay := credential.NextRefreshAt(self.settings.RefreshLeeway).Sub(time.Now().UTC())
		if delay < self.settings.MinRefreshDelay {
			delay = self.settings.MinRefreshDelay
		}
		glog.V(2).Infof("[auth]next refresh in %s\n", delay)
		select {
		case <-self.ctx.Done():
			return
		case <-self.wake:
		case <-time.After(delay):
		}

		if err := self.doRefresh(self.ctx); err != nil {
			glog.Infof("[auth]refresh error = %s\n", err)
		}
	}
}

// ForceRefresh wakes the refresh loop and blocks until a refresh lands.
func (self *AuthManager) ForceRefresh(ctx context.Context, timeout time.Duration) error {
	select {
	case self.wake <- struct{}{}:
	default:
	}
	_, err := self.bus.WaitFor(ctx, EventAuthRefresh, nil, timeout)
	return err
}

// doRefresh issues the three refresh grants in family order. The grants land
// on a copy of the credential, which replaces the shared one only once every
// grant has succeeded, so concurrent token reads never see a half-refreshed
// credential.
func (self *AuthManager) doRefresh(ctx context.Context) error {
	self.refreshLock.Lock()
	defer self.refreshLock.Unlock()

	credential := self.Credential()
	if credential == nil {
		return &AuthError{Op: "refresh", Message: "not authenticated"}
	}
	refreshed := *credential

	core := newAuthCore(self.api, self.bus, self.authSettings)
	err := self.refreshGrants(ctx, &core, &refreshed)
	if err != nil {
		if !IsMessageCode(err, MessageCodeInvalidRefreshToken) {
			return err
		}
		glog.Infof("[auth]refresh token invalid, reauthenticating\n")
		reauthed, reauthErr := self.auth.Reauthenticate(ctx)
		if reauthErr != nil {
			// surface the original condition
			return err
		}
		self.setCredential(reauthed)
		self.bus.Dispatch(EventAuthRefresh, reauthed)
		return nil
	}

	self.setCredential(&refreshed)
	self.bus.Dispatch(EventAuthRefresh, &refreshed)
	return nil
}

func (self *AuthManager) refreshGrants(ctx context.Context, core *authCore, credential *Credential) error {
	primary, err := core.grant(ctx, self.authSettings.primaryTokenClient(), url.Values{
		"grant_type":    []string{"refresh_token"},
		"refresh_token": []string{credential.Primary.RefreshToken},
		"token_type":    []string{"eg1"},
	})
	if err != nil {
		return err
	}
	credential.applyPrimary(primary, core.now())

	secondary, err := core.grant(ctx, self.authSettings.gameTokenClient(), url.Values{
		"grant_type":    []string{"refresh_token"},
		"refresh_token": []string{credential.Secondary.RefreshToken},
		"token_type":    []string{"eg1"},
	})
	if err != nil {
		return err
	}
	credential.applySecondary(secondary, core.now())

	return core.grantChat(ctx, credential)
}

func (self *AuthManager) Close() {
	self.cancel()
}
