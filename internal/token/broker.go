// Package token resolves short-lived access tokens for provider installations.
//
// The orchestrator never stores raw tokens: callers request one immediately
// before a git or HTTP operation and forget it afterwards. The caching broker
// only holds a token for the remainder of its validity window.
package token

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"mend/internal/faults"
	"mend/internal/logging"
	"mend/internal/task"
)

// Token is a live credential with its expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// graceWindow is the minimum remaining validity a returned token carries.
const graceWindow = 60 * time.Second

// Source fetches a fresh token from the credential backend (OAuth refresh,
// app installation token mint, etc.). It is the narrow external interface.
type Source interface {
	Fetch(ctx context.Context, provider task.Provider, organizationID string) (Token, error)
}

// Broker hands out valid tokens, coalescing concurrent refreshes per key.
type Broker interface {
	Token(ctx context.Context, provider task.Provider, organizationID string) (Token, error)
	Invalidate(provider task.Provider, organizationID string)
}

// CachingBroker decorates a Source with an LRU cache and refresh coalescing.
type CachingBroker struct {
	source Source
	cache  *lru.Cache[string, Token]
	group  singleflight.Group
	now    func() time.Time
	logger logging.Logger
}

// NewCachingBroker wraps source. size bounds the number of cached keys.
func NewCachingBroker(source Source, size int) (*CachingBroker, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, Token](size)
	if err != nil {
		return nil, err
	}
	return &CachingBroker{
		source: source,
		cache:  cache,
		now:    time.Now,
		logger: logging.NewComponentLogger("TokenBroker"),
	}, nil
}

func brokerKey(provider task.Provider, org string) string {
	return fmt.Sprintf("%s/%s", provider, org)
}

// Token returns a token valid for at least the grace window. Concurrent
// callers for the same key share one refresh.
func (b *CachingBroker) Token(ctx context.Context, provider task.Provider, organizationID string) (Token, error) {
	key := brokerKey(provider, organizationID)

	if tok, ok := b.cache.Get(key); ok && tok.ExpiresAt.After(b.now().Add(graceWindow)) {
		return tok, nil
	}

	result, err, _ := b.group.Do(key, func() (any, error) {
		// Re-check under the flight: another caller may have refreshed.
		if tok, ok := b.cache.Get(key); ok && tok.ExpiresAt.After(b.now().Add(graceWindow)) {
			return tok, nil
		}
		tok, err := b.source.Fetch(ctx, provider, organizationID)
		if err != nil {
			return Token{}, faults.Wrap(faults.KindTokenUnavailable, err, key)
		}
		if !tok.ExpiresAt.After(b.now().Add(graceWindow)) {
			return Token{}, faults.New(faults.KindTokenUnavailable, "%s: refreshed token expires too soon", key)
		}
		b.cache.Add(key, tok)
		return tok, nil
	})
	if err != nil {
		return Token{}, err
	}
	return result.(Token), nil
}

// Invalidate drops the cached token so the next call refreshes.
func (b *CachingBroker) Invalidate(provider task.Provider, organizationID string) {
	b.cache.Remove(brokerKey(provider, organizationID))
}

var _ Broker = (*CachingBroker)(nil)

// StaticSource serves fixed tokens; used in tests and single-tenant setups.
type StaticSource struct {
	Tokens map[string]Token // key: provider/org
}

func (s *StaticSource) Fetch(ctx context.Context, provider task.Provider, organizationID string) (Token, error) {
	tok, ok := s.Tokens[brokerKey(provider, organizationID)]
	if !ok {
		return Token{}, fmt.Errorf("no token for %s", brokerKey(provider, organizationID))
	}
	return tok, nil
}
