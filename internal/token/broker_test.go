package token

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mend/internal/faults"
	"mend/internal/task"
)

// countingSource serves a fixed token and counts backend hits.
type countingSource struct {
	token   Token
	err     error
	fetches atomic.Int64
}

func (s *countingSource) Fetch(ctx context.Context, provider task.Provider, organizationID string) (Token, error) {
	s.fetches.Add(1)
	if s.err != nil {
		return Token{}, s.err
	}
	return s.token, nil
}

func TestBrokerCachesUntilGraceWindow(t *testing.T) {
	src := &countingSource{token: Token{Value: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}}
	broker, err := NewCachingBroker(src, 8)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		tok, err := broker.Token(ctx, task.ProviderCodeHost, "org-1")
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		if tok.Value != "tok-1" {
			t.Fatalf("token = %q", tok.Value)
		}
	}
	if n := src.fetches.Load(); n != 1 {
		t.Fatalf("backend fetched %d times, want 1", n)
	}
}

func TestBrokerRefusesShortLivedToken(t *testing.T) {
	// A token inside the grace window would expire mid-operation.
	src := &countingSource{token: Token{Value: "tok-1", ExpiresAt: time.Now().Add(30 * time.Second)}}
	broker, err := NewCachingBroker(src, 8)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}

	_, err = broker.Token(context.Background(), task.ProviderCodeHost, "org-1")
	if !faults.Is(err, faults.KindTokenUnavailable) {
		t.Fatalf("want token-unavailable, got %v", err)
	}
}

func TestBrokerWrapsBackendFailure(t *testing.T) {
	src := &countingSource{err: errors.New("backend down")}
	broker, err := NewCachingBroker(src, 8)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}

	_, err = broker.Token(context.Background(), task.ProviderCodeHost, "org-1")
	if !faults.Is(err, faults.KindTokenUnavailable) {
		t.Fatalf("want token-unavailable, got %v", err)
	}
}

func TestBrokerInvalidateForcesRefresh(t *testing.T) {
	src := &countingSource{token: Token{Value: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}}
	broker, err := NewCachingBroker(src, 8)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	ctx := context.Background()

	if _, err := broker.Token(ctx, task.ProviderCodeHost, "org-1"); err != nil {
		t.Fatalf("token: %v", err)
	}
	broker.Invalidate(task.ProviderCodeHost, "org-1")
	if _, err := broker.Token(ctx, task.ProviderCodeHost, "org-1"); err != nil {
		t.Fatalf("token after invalidate: %v", err)
	}
	if n := src.fetches.Load(); n != 2 {
		t.Fatalf("backend fetched %d times, want 2", n)
	}
}

func TestBrokerKeysPerOrganization(t *testing.T) {
	src := &countingSource{token: Token{Value: "tok-1", ExpiresAt: time.Now().Add(time.Hour)}}
	broker, err := NewCachingBroker(src, 8)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	ctx := context.Background()

	if _, err := broker.Token(ctx, task.ProviderCodeHost, "org-1"); err != nil {
		t.Fatalf("token: %v", err)
	}
	if _, err := broker.Token(ctx, task.ProviderCodeHost, "org-2"); err != nil {
		t.Fatalf("token: %v", err)
	}
	if n := src.fetches.Load(); n != 2 {
		t.Fatalf("backend fetched %d times, want one per org", n)
	}
}
