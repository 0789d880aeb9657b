// Package installation models tenant-provider pairings and their store.
package installation

import (
	"context"
	"time"

	"mend/internal/task"
)

// Installation identifies a tenant on one provider. Token fields hold opaque
// references into the credential backend, never raw secrets.
type Installation struct {
	Provider        task.Provider `json:"provider"`
	OrganizationID  string        `json:"organization_id"`
	DisplayName     string        `json:"display_name,omitempty"`
	AccessTokenRef  string        `json:"access_token_ref"`
	RefreshTokenRef string        `json:"refresh_token_ref,omitempty"`
	Scopes          []string      `json:"scopes,omitempty"`
	WebhookSecret   []byte        `json:"-"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Store persists installations. (provider, organization id) is unique.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Upsert(ctx context.Context, inst *Installation) error
	Get(ctx context.Context, provider task.Provider, organizationID string) (*Installation, error)
	List(ctx context.Context, provider task.Provider) ([]*Installation, error)
	Delete(ctx context.Context, provider task.Provider, organizationID string) error
}
