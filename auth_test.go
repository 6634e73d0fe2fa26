package lobby

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// grantApi routes token grants by grant_type and records what was issued.
func grantApi(grants map[string]func(form url.Values) (*OAuthTokenResult, error)) *mockApi {
	return &mockApi{
		grantToken: func(ctx context.Context, tokenClient string, form url.Values) (*OAuthTokenResult, error) {
			grantType := form.Get("grant_type")
			if grant, ok := grants[grantType]; ok {
				return grant(form)
			}
			return &OAuthTokenResult{
				AccessToken:  grantType + "_access",
				RefreshToken: grantType + "_refresh",
				ExpiresIn:    28800,
			}, nil
		},
		getExchangeCode: func(ctx context.Context, accessToken string) (*ExchangeCodeResult, error) {
			return &ExchangeCodeResult{Code: "exchange1"}, nil
		},
	}
}

func TestDeviceAuthAuthenticate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	forms := map[string]url.Values{}
	api := grantApi(map[string]func(form url.Values) (*OAuthTokenResult, error){
		"device_auth": func(form url.Values) (*OAuthTokenResult, error) {
			forms["device_auth"] = form
			return &OAuthTokenResult{
				AccessToken:  "primary_access",
				RefreshToken: "primary_refresh",
				AccountId:    "account1",
				DisplayName:  "TestUser",
				ExpiresIn:    28800,
			}, nil
		},
		"exchange_code": func(form url.Values) (*OAuthTokenResult, error) {
			forms["exchange_code"] = form
			return &OAuthTokenResult{
				AccessToken:  "game_access",
				RefreshToken: "game_refresh",
				AccountId:    "account1",
				ExpiresIn:    28800,
			}, nil
		},
		"refresh_token": func(form url.Values) (*OAuthTokenResult, error) {
			forms["refresh_token"] = form
			return &OAuthTokenResult{
				AccessToken: "chat_access",
				ExpiresIn:   28800,
			}, nil
		},
	})

	auth := NewDeviceAuth(api, NewEventBus(), DefaultAuthSettings(), "device1", "account1", "secret1")
	credential, err := auth.Authenticate(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, "account1", credential.AccountId)
	assert.Equal(t, "TestUser", credential.DisplayName)
	assert.Equal(t, "device1", credential.DeviceId)
	assert.Equal(t, "primary_access", credential.Primary.AccessToken)
	assert.Equal(t, "game_access", credential.Secondary.AccessToken)
	assert.Equal(t, "chat_access", credential.Chat.AccessToken)

	assert.Equal(t, "device1", forms["device_auth"].Get("device_id"))
	assert.Equal(t, "secret1", forms["device_auth"].Get("secret"))
	// the game session starts from the exchange produced by the primary
	assert.Equal(t, "exchange1", forms["exchange_code"].Get("exchange_code"))
	// the chat token derives from the game session
	assert.Equal(t, "game_refresh", forms["refresh_token"].Get("refresh_token"))
}

func TestOneTimeCodeAuthRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempts := 0
	api := grantApi(map[string]func(form url.Values) (*OAuthTokenResult, error){
		"exchange_code": func(form url.Values) (*OAuthTokenResult, error) {
			// session completion redeems its own exchange for the game
			// session, only count the user code redemptions
			if form.Get("exchange_code") == "exchange1" {
				return &OAuthTokenResult{
					AccessToken:  "game_access",
					RefreshToken: "game_refresh",
					AccountId:    "account1",
					ExpiresIn:    28800,
				}, nil
			}
			attempts += 1
			if attempts < 3 {
				return nil, &HttpError{
					StatusCode:  400,
					MessageCode: MessageCodeExchangeNotFound,
				}
			}
			return &OAuthTokenResult{
				AccessToken: "access",
				AccountId:   "account1",
				ExpiresIn:   28800,
			}, nil
		},
	})

	codes := []string{"bad1", "bad2", "good"}
	resolver := func(ctx context.Context) (string, error) {
		code := codes[0]
		codes = codes[1:]
		return code, nil
	}

	auth := NewExchangeCodeAuth(api, NewEventBus(), DefaultAuthSettings(), resolver)
	credential, err := auth.Authenticate(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, "account1", credential.AccountId)
	// the first grant on each attempt is the code redemption
	assert.Equal(t, 3, attempts)
}

func TestOneTimeCodeAuthGivesUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := grantApi(map[string]func(form url.Values) (*OAuthTokenResult, error){
		"exchange_code": func(form url.Values) (*OAuthTokenResult, error) {
			return nil, &HttpError{
				StatusCode:  400,
				MessageCode: MessageCodeExchangeNotFound,
			}
		},
	})

	auth := NewExchangeCodeAuth(api, NewEventBus(), DefaultAuthSettings(), func(ctx context.Context) (string, error) {
		return "code", nil
	})
	_, err := auth.Authenticate(ctx)
	assert.NotEqual(t, nil, err)
	assert.Equal(t, true, IsMessageCode(err, MessageCodeExchangeNotFound))
}

func TestDeviceCodeAuthPolls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	polls := 0
	api := grantApi(map[string]func(form url.Values) (*OAuthTokenResult, error){
		"device_code": func(form url.Values) (*OAuthTokenResult, error) {
			polls += 1
			if polls < 3 {
				return nil, &HttpError{
					StatusCode:  400,
					MessageCode: MessageCodeAuthorizationPending,
				}
			}
			return &OAuthTokenResult{
				AccessToken: "access",
				AccountId:   "account1",
				ExpiresIn:   28800,
			}, nil
		},
	})
	api.startDeviceCode = func(ctx context.Context, clientToken string) (*DeviceCodeSession, error) {
		return &DeviceCodeSession{
			DeviceCode:      "dc1",
			VerificationUri: "https://example.invalid/activate",
		}, nil
	}

	settings := DefaultAuthSettings()
	settings.DeviceCodeInterval = 10 * time.Millisecond

	var shown *DeviceCodeSession
	auth := NewDeviceCodeAuth(api, NewEventBus(), settings, func(session *DeviceCodeSession) {
		shown = session
	})

	credential, err := auth.Authenticate(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, "account1", credential.AccountId)
	assert.Equal(t, 3, polls)
	assert.Equal(t, "https://example.invalid/activate", shown.VerificationUri)
}

func TestGrantResolvesDateOfBirth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var corrected string
	attempts := 0
	api := grantApi(map[string]func(form url.Values) (*OAuthTokenResult, error){
		"device_auth": func(form url.Values) (*OAuthTokenResult, error) {
			attempts += 1
			if attempts == 1 {
				return nil, &HttpError{
					StatusCode:  400,
					MessageCode: MessageCodeCorrectiveAction,
					Raw: map[string]any{
						"correctiveAction": "DATE_OF_BIRTH",
						"continuation":     "cont1",
					},
				}
			}
			return &OAuthTokenResult{
				AccessToken: "access",
				AccountId:   "account1",
				ExpiresIn:   28800,
			}, nil
		},
	})
	api.correctDateOfBirth = func(ctx context.Context, clientToken string, continuation string, dateOfBirth string) error {
		corrected = continuation
		return nil
	}

	auth := NewDeviceAuth(api, NewEventBus(), DefaultAuthSettings(), "device1", "account1", "secret1")
	credential, err := auth.Authenticate(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, "account1", credential.AccountId)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "cont1", corrected)
}

func TestGrantRejectsUnknownCorrectiveAction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := grantApi(map[string]func(form url.Values) (*OAuthTokenResult, error){
		"device_auth": func(form url.Values) (*OAuthTokenResult, error) {
			return nil, &HttpError{
				StatusCode:  400,
				MessageCode: MessageCodeCorrectiveAction,
				Raw: map[string]any{
					"correctiveAction": "EULA",
				},
			}
		},
	})

	auth := NewDeviceAuth(api, NewEventBus(), DefaultAuthSettings(), "device1", "account1", "secret1")
	_, err := auth.Authenticate(ctx)
	var authErr *AuthError
	assert.Equal(t, true, errors.As(err, &authErr))
}

func TestAdvancedAuthFallsBackToCode(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var generated *DeviceAuthInfo
	api := grantApi(map[string]func(form url.Values) (*OAuthTokenResult, error){
		"device_auth": func(form url.Values) (*OAuthTokenResult, error) {
			return nil, &HttpError{
				StatusCode:  400,
				MessageCode: MessageCodeInvalidCredentials,
			}
		},
		"exchange_code": func(form url.Values) (*OAuthTokenResult, error) {
			return &OAuthTokenResult{
				AccessToken: "access",
				AccountId:   "account1",
				ExpiresIn:   28800,
			}, nil
		},
	})
	api.generateDeviceAuth = func(ctx context.Context, accessToken string, accountId string) (*DeviceAuthInfo, error) {
		return &DeviceAuthInfo{
			DeviceId:  "device2",
			AccountId: accountId,
			Secret:    "secret2",
		}, nil
	}

	bus := NewEventBus()
	announced := make(chan any, 1)
	bus.On(EventDeviceAuthGenerate, func(payload any) {
		announced <- payload
	})

	auth := NewAdvancedAuth(api, bus, DefaultAuthSettings(), &AdvancedAuthOptions{
		DeviceId:  "stale_device",
		AccountId: "account1",
		Secret:    "stale_secret",
		CodeResolver: func(ctx context.Context) (string, error) {
			return "code1", nil
		},
	})

	credential, err := auth.Authenticate(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, "account1", credential.AccountId)
	// a fresh device triple replaces the rejected one
	assert.Equal(t, "device2", credential.DeviceId)
	assert.Equal(t, "device2", auth.deviceId)

	payload := <-announced
	generated, _ = payload.(*DeviceAuthInfo)
	assert.Equal(t, "device2", generated.DeviceId)
	assert.Equal(t, "secret2", generated.Secret)
}

func TestAdvancedAuthRevokesOtherDeviceAuths(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deleted := []string{}
	api := grantApi(map[string]func(form url.Values) (*OAuthTokenResult, error){
		"exchange_code": func(form url.Values) (*OAuthTokenResult, error) {
			return &OAuthTokenResult{
				AccessToken: "access",
				AccountId:   "account1",
				ExpiresIn:   28800,
			}, nil
		},
	})
	api.generateDeviceAuth = func(ctx context.Context, accessToken string, accountId string) (*DeviceAuthInfo, error) {
		return &DeviceAuthInfo{
			DeviceId:  "device2",
			AccountId: accountId,
			Secret:    "secret2",
		}, nil
	}
	api.getDeviceAuths = func(ctx context.Context, accessToken string, accountId string) ([]*DeviceAuthInfo, error) {
		return []*DeviceAuthInfo{
			{DeviceId: "device2", AccountId: accountId},
			{DeviceId: "stale1", AccountId: accountId},
			{DeviceId: "stale2", AccountId: accountId},
		}, nil
	}
	api.deleteDeviceAuth = func(ctx context.Context, accessToken string, accountId string, deviceId string) error {
		deleted = append(deleted, deviceId)
		return nil
	}

	auth := NewAdvancedAuth(api, NewEventBus(), DefaultAuthSettings(), &AdvancedAuthOptions{
		DeleteOtherDeviceAuths: true,
		CodeResolver: func(ctx context.Context) (string, error) {
			return "code1", nil
		},
	})
	credential, err := auth.Authenticate(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, "device2", credential.DeviceId)

	// every triple except the generated one is revoked
	assert.Equal(t, []string{"stale1", "stale2"}, deleted)
}

func TestAdvancedAuthPropagatesHardErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := grantApi(map[string]func(form url.Values) (*OAuthTokenResult, error){
		"device_auth": func(form url.Values) (*OAuthTokenResult, error) {
			return nil, &HttpError{StatusCode: 500}
		},
	})

	auth := NewAdvancedAuth(api, NewEventBus(), DefaultAuthSettings(), &AdvancedAuthOptions{
		DeviceId:  "device1",
		AccountId: "account1",
		Secret:    "secret1",
		CodeResolver: func(ctx context.Context) (string, error) {
			return "code1", nil
		},
	})
	_, err := auth.Authenticate(ctx)
	assert.NotEqual(t, nil, err)
}

func TestAdvancedAuthNoStrategy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auth := NewAdvancedAuth(&mockApi{}, NewEventBus(), DefaultAuthSettings(), &AdvancedAuthOptions{})
	_, err := auth.Authenticate(ctx)
	assert.NotEqual(t, nil, err)
}

func TestAuthManagerRefreshReauthenticates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reauthed := &Credential{AccountId: "account1", DisplayName: "Fresh"}
	auth := &stubAuth{credential: reauthed}

	api := grantApi(map[string]func(form url.Values) (*OAuthTokenResult, error){
		"refresh_token": func(form url.Values) (*OAuthTokenResult, error) {
			return nil, &HttpError{
				StatusCode:  400,
				MessageCode: MessageCodeInvalidRefreshToken,
			}
		},
	})

	bus := NewEventBus()
	manager := NewAuthManager(ctx, api, bus, auth, DefaultAuthSettings(), DefaultAuthManagerSettings())
	defer manager.Close()
	manager.setCredential(&Credential{AccountId: "account1"})

	err := manager.doRefresh(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, "Fresh", manager.Credential().DisplayName)
}

func TestAuthManagerRefreshSwapsCredential(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := grantApi(map[string]func(form url.Values) (*OAuthTokenResult, error){
		"refresh_token": func(form url.Values) (*OAuthTokenResult, error) {
			return &OAuthTokenResult{
				AccessToken:  "new_" + form.Get("refresh_token"),
				RefreshToken: form.Get("refresh_token"),
				ExpiresIn:    28800,
			}, nil
		},
	})

	bus := NewEventBus()
	manager := NewAuthManager(ctx, api, bus, &stubAuth{}, DefaultAuthSettings(), DefaultAuthManagerSettings())
	defer manager.Close()
	manager.setCredential(&Credential{
		AccountId: "account1",
		Primary:   TokenBundle{AccessToken: "old_primary", RefreshToken: "primary"},
		Secondary: TokenBundle{AccessToken: "old_game", RefreshToken: "game"},
		Chat:      TokenBundle{AccessToken: "old_chat"},
	})
	before := manager.Credential()

	err := manager.doRefresh(ctx)
	assert.Equal(t, nil, err)

	// readers holding the previous credential never observe grant writes
	assert.Equal(t, "old_primary", before.Primary.AccessToken)
	assert.Equal(t, "old_game", before.Secondary.AccessToken)

	after := manager.Credential()
	assert.Equal(t, "new_primary", after.Primary.AccessToken)
	assert.Equal(t, "new_game", after.Secondary.AccessToken)
}

func TestAuthManagerTokenAccessors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := NewAuthManager(ctx, &mockApi{}, NewEventBus(), &stubAuth{}, DefaultAuthSettings(), DefaultAuthManagerSettings())
	defer manager.Close()

	assert.Equal(t, "", manager.SessionToken())
	assert.Equal(t, "", manager.AccountId())

	manager.setCredential(&Credential{
		AccountId: "account1",
		Secondary: TokenBundle{AccessToken: "game_access"},
		Chat:      TokenBundle{AccessToken: "chat_access"},
	})
	assert.Equal(t, "account1", manager.AccountId())
	assert.Equal(t, "game_access", manager.SessionToken())
	assert.Equal(t, "chat_access", manager.ChatToken())
}
