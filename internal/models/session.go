package models

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// ErrRateLimited is wrapped by calendar clients when the provider throttles a request.
var ErrRateLimited = errors.New("rate limited by calendar provider")

// Session is the authenticated identity used to talk to an external calendar.
type Session struct {
	Account string
	Token   *oauth2.Token
}

// Expired reports whether the session can no longer be used: there is no
// token, or its access token is past expiry and it cannot be refreshed.
func (s Session) Expired(now time.Time) bool {
	if s.Token == nil {
		return true
	}
	if s.Token.RefreshToken != "" {
		return false
	}
	if s.Token.AccessToken == "" {
		return true
	}
	return !s.Token.Expiry.IsZero() && !s.Token.Expiry.After(now)
}

// SessionExpiredError is returned when the external session is no longer
// valid and the user has to authenticate again.
type SessionExpiredError struct {
	Account string
	Err     error
}

func (e *SessionExpiredError) Error() string {
	msg := "session expired"
	if e.Account != "" {
		msg = fmt.Sprintf("session for account %s expired", e.Account)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionExpiredError) Unwrap() error {
	return e.Err
}

// IsSessionExpired reports whether err carries a *SessionExpiredError.
func IsSessionExpired(err error) bool {
	var target *SessionExpiredError
	return errors.As(err, &target)
}
