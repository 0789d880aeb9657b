package webhook

import (
	"context"

	"mend/internal/installation"
	"mend/internal/task"
)

// InstallationSecrets resolves webhook secrets from the installation store.
type InstallationSecrets struct {
	Store installation.Store
}

func (s InstallationSecrets) WebhookSecret(ctx context.Context, provider task.Provider, organizationID string) ([]byte, error) {
	inst, err := s.Store.Get(ctx, provider, organizationID)
	if err != nil {
		return nil, err
	}
	return inst.WebhookSecret, nil
}

// StaticSecrets serves one fixed secret per provider. Used in tests and
// single-tenant deployments.
type StaticSecrets map[task.Provider][]byte

func (s StaticSecrets) WebhookSecret(ctx context.Context, provider task.Provider, organizationID string) ([]byte, error) {
	return s[provider], nil
}
