package lobby

import (
	"errors"
	"fmt"
	"strings"
)

// service error codes that get special local handling
const (
	MessageCodeStaleRevision       = "errors.com.epicgames.social.party.stale_revision"
	MessageCodeExchangeNotFound    = "errors.com.epicgames.account.oauth.exchange_code_not_found"
	MessageCodeExchangeExpired     = "errors.com.epicgames.account.oauth.expired_exchange_code_session"
	MessageCodeInvalidRefreshToken = "errors.com.epicgames.account.auth_token.invalid_refresh_token"
	MessageCodeAuthorizationPending = "errors.com.epicgames.account.oauth.authorization_pending"
	MessageCodeCorrectiveAction    = "errors.com.epicgames.oauth.corrective_action_required"
	MessageCodeChangeForbidden     = "errors.com.epicgames.social.party.party_change_forbidden"
	MessageCodePartyNotFound       = "errors.com.epicgames.social.party.party_not_found"
	MessageCodePingNotFound        = "errors.com.epicgames.social.party.ping_not_found"
	MessageCodeInvalidCredentials  = "errors.com.epicgames.account.invalid_account_credentials"
)

type AuthError struct {
	Op      string
	Message string
	Err     error
}

func (self *AuthError) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("auth %s: %s: %s", self.Op, self.Message, self.Err)
	}
	return fmt.Sprintf("auth %s: %s", self.Op, self.Message)
}

func (self *AuthError) Unwrap() error {
	return self.Err
}

// HttpError is a non-2xx response from the service with a decoded error body.
type HttpError struct {
	StatusCode  int
	MessageCode string
	MessageVars []string
	Raw         map[string]any
}

func (self *HttpError) Error() string {
	if self.MessageCode != "" {
		return fmt.Sprintf("http %d %s [%s]", self.StatusCode, self.MessageCode, strings.Join(self.MessageVars, ","))
	}
	return fmt.Sprintf("http %d", self.StatusCode)
}

func AsHttpError(err error) (*HttpError, bool) {
	var httpErr *HttpError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}

func IsMessageCode(err error, messageCode string) bool {
	if httpErr, ok := AsHttpError(err); ok {
		return httpErr.MessageCode == messageCode
	}
	return false
}

type PartyError struct {
	Message string
}

func (self *PartyError) Error() string {
	return self.Message
}

func newPartyError(format string, args ...any) *PartyError {
	return &PartyError{Message: fmt.Sprintf(format, args...)}
}

// ConnError means the streaming transport is not writable.
type ConnError struct {
	Message string
}

func (self *ConnError) Error() string {
	return self.Message
}

// soft timeout sentinel. always recovered locally, never surfaced to callers.
var errWaitTimeout = errors.New("wait timeout")
