package lobby

import (
	"fmt"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// TokenBundle is one token family's material. Expiry times are absolute UTC
// instants, never durations, once stored.
type TokenBundle struct {
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
	RefreshExpiresAt time.Time
}

func (self *TokenBundle) apply(result *OAuthTokenResult, now time.Time) {
	self.AccessToken = result.AccessToken
	if result.RefreshToken != "" {
		self.RefreshToken = result.RefreshToken
	}
	self.ExpiresAt = expiryInstant(result.ExpiresAt, result.ExpiresIn, result.AccessToken, now)
	if result.RefreshExpiresAt != "" || 0 < result.RefreshExpires {
		self.RefreshExpiresAt = expiryInstant(result.RefreshExpiresAt, result.RefreshExpires, "", now)
	}
}

// Credential holds the three related token families for one account session.
// Created once at auth construction, mutated on every refresh or reauth.
type Credential struct {
	AccountId   string
	DisplayName string
	DeviceId    string

	// account session
	Primary TokenBundle
	// game session, the bearer for the party surface
	Secondary TokenBundle
	// chat session
	Chat TokenBundle
}

func (self *Credential) applyPrimary(result *OAuthTokenResult, now time.Time) {
	self.Primary.apply(result, now)
	if result.AccountId != "" {
		self.AccountId = result.AccountId
	}
	if result.DisplayName != "" {
		self.DisplayName = result.DisplayName
	}
	if result.DeviceId != "" {
		self.DeviceId = result.DeviceId
	}
	if self.AccountId == "" {
		if claims, err := ParseTokenClaimsUnverified(result.AccessToken); err == nil {
			self.AccountId = claims.AccountId
			if self.DisplayName == "" {
				self.DisplayName = claims.DisplayName
			}
		}
	}
}

func (self *Credential) applySecondary(result *OAuthTokenResult, now time.Time) {
	self.Secondary.apply(result, now)
}

func (self *Credential) applyChat(result *OAuthTokenResult, now time.Time) {
	self.Chat.apply(result, now)
}

// NextRefreshAt is the instant the background refresh should fire:
// leeway before the earlier of the primary and secondary expiries.
func (self *Credential) NextRefreshAt(leeway time.Duration) time.Time {
	at := self.Primary.ExpiresAt
	if self.Secondary.ExpiresAt.Before(at) {
		at = self.Secondary.ExpiresAt
	}
	return at.Add(-leeway)
}

func expiryInstant(expiresAt string, expiresIn int, accessToken string, now time.Time) time.Time {
	if expiresAt != "" {
		if t, err := time.Parse(time.RFC3339, expiresAt); err == nil {
			return t.UTC()
		}
	}
	if 0 < expiresIn {
		return now.UTC().Add(time.Duration(expiresIn) * time.Second)
	}
	if accessToken != "" {
		if claims, err := ParseTokenClaimsUnverified(accessToken); err == nil && !claims.ExpiresAt.IsZero() {
			return claims.ExpiresAt
		}
	}
	return now.UTC()
}

type TokenClaims struct {
	AccountId   string
	DisplayName string
	ClientId    string
	ExpiresAt   time.Time
}

// ParseTokenClaimsUnverified decodes an access token's claims without
// signature verification. Service tokens are "eg1~" prefixed JWTs.
func ParseTokenClaimsUnverified(accessToken string) (*TokenClaims, error) {
	jwt := strings.TrimPrefix(accessToken, "eg1~")

	claims := gojwt.MapClaims{}
	parser := gojwt.NewParser()
	if _, _, err := parser.ParseUnverified(jwt, claims); err != nil {
		return nil, err
	}

	tokenClaims := &TokenClaims{}
	if sub, ok := claims["sub"].(string); ok {
		tokenClaims.AccountId = sub
	}
	if dn, ok := claims["dn"].(string); ok {
		tokenClaims.DisplayName = dn
	}
	if clid, ok := claims["clid"].(string); ok {
		tokenClaims.ClientId = clid
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		tokenClaims.ExpiresAt = exp.Time.UTC()
	}
	if tokenClaims.AccountId == "" {
		return nil, fmt.Errorf("token has no subject claim")
	}
	return tokenClaims, nil
}
