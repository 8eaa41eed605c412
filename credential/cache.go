package credential

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/singleflight"
)

const defaultExpirySkew = time.Minute

// Refresher obtains a new token in exchange for the current one.
type Refresher interface {
	Refresh(ctx context.Context, current Token) (Token, error)
}

// RefreshListener is notified with every refreshed token.
type RefreshListener func(Token)

// Cache is a Provider that refreshes its token when it is about to expire.
// Only one refresh is in flight at a time; concurrent callers wait for its result.
type Cache struct {
	refresher Refresher
	logger    log.Logger
	skew      time.Duration
	now       func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	token     Token
	listeners []RefreshListener
}

// NewCache creates a Cache seeded with the given token.
func NewCache(initial Token, refresher Refresher, logger log.Logger) *Cache {
	return &Cache{
		refresher: refresher,
		logger:    logger,
		skew:      defaultExpirySkew,
		now:       time.Now,
		token:     initial,
	}
}

// SetExpirySkew sets how long before its expiry a token is already considered expired.
func (c *Cache) SetExpirySkew(skew time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skew = skew
}

// OnRefresh registers a listener called after every successful refresh.
func (c *Cache) OnRefresh(listener RefreshListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener)
}

// Token returns the current token without refreshing it.
func (c *Cache) Token() Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Invalidate marks the current token as expired, the next CheckToken refreshes it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token.Expiry = c.now().Add(-time.Second)
}

// CheckToken returns a valid token, refreshing it first if needed.
func (c *Cache) CheckToken(ctx context.Context) (Token, error) {
	if token, ok := c.validToken(); ok {
		return token, nil
	}

	// The refresh outlives a single caller: others may be waiting for it.
	refreshCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		return c.refresh(refreshCtx)
	})

	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

func (c *Cache) validToken() (Token, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.token.ValidAt(c.now(), c.skew)
}

func (c *Cache) refresh(ctx context.Context) (Token, error) {
	// A refresh that completed just before this one started already did the work.
	current, ok := c.validToken()
	if ok {
		return current, nil
	}
	if c.refresher == nil {
		return Token{}, fmt.Errorf("refresh token: %w: token expired and no refresher configured", ErrNoToken)
	}

	c.logger.Debugf("Refreshing access token")
	token, err := c.refresher.Refresh(ctx, current)
	if err != nil {
		return Token{}, fmt.Errorf("refresh token: %w", err)
	}
	if token.RefreshToken == "" {
		token.RefreshToken = current.RefreshToken
	}

	c.mu.Lock()
	c.token = token
	listeners := append([]RefreshListener(nil), c.listeners...)
	c.mu.Unlock()

	for _, listener := range listeners {
		listener(token)
	}
	c.logger.Debugf("Access token refreshed, expires at %s", token.Expiry.Format(time.RFC3339))

	return token, nil
}
