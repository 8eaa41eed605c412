// Package credential provides the bearer credential used by every drive request.
// Refreshes are single-flight: concurrent uploads observe one consistent token
// and never trigger duplicate refreshes.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoToken is returned when no usable access token is available.
var ErrNoToken = errors.New("no access token")

// Token is an OAuth2 bearer credential.
type Token struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// HeaderValue returns the value of the Authorization header.
func (t Token) HeaderValue() string {
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return fmt.Sprintf("%s %s", tokenType, t.AccessToken)
}

// ValidAt reports whether the token is usable at the given time, with skew subtracted from its lifetime.
// A token without expiry never expires.
func (t Token) ValidAt(now time.Time, skew time.Duration) bool {
	if t.AccessToken == "" {
		return false
	}
	if t.Expiry.IsZero() {
		return true
	}
	return now.Add(skew).Before(t.Expiry)
}

// Provider hands out a valid credential before every network step.
type Provider interface {
	CheckToken(ctx context.Context) (Token, error)
}

// Static is a Provider for a pre-issued token that is never refreshed.
type Static Token

// CheckToken ...
func (s Static) CheckToken(ctx context.Context) (Token, error) {
	if s.AccessToken == "" {
		return Token{}, ErrNoToken
	}
	return Token(s), nil
}
