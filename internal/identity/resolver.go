// Package identity maps callers to tenants: a tenant id from the direct API,
// or a (channel, chat, user) triple from a messaging channel.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agentoven/wizard-runtime/internal/store"
	"github.com/agentoven/wizard-runtime/pkg/models"
)

type Resolver struct {
	tenants    store.TenantStore
	identities store.IdentityStore
}

func NewResolver(tenants store.TenantStore, identities store.IdentityStore) *Resolver {
	return &Resolver{tenants: tenants, identities: identities}
}

// ResolveTenant returns the tenant if it exists and is active.
func (r *Resolver) ResolveTenant(ctx context.Context, tenantID string) (*models.Tenant, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, models.InvalidInputf("tenantId is required")
	}
	t, err := r.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %s", models.ErrTenantNotFound, tenantID)
		}
		return nil, fmt.Errorf("get tenant %s: %w", tenantID, err)
	}
	if !t.IsActive() {
		return nil, fmt.Errorf("%w: %s is %s", models.ErrTenantInactive, tenantID, t.Status)
	}
	return t, nil
}

// ResolveChat finds the active identity for a chat and its tenant. A chat
// with no active identity, or whose identity points at a missing tenant, is
// reported as not linked.
func (r *Resolver) ResolveChat(ctx context.Context, channel models.Channel, chatID, externalUserID string) (*models.TenantIdentity, *models.Tenant, error) {
	id, err := r.identities.FindIdentity(ctx, channel, chatID, externalUserID)
	if err != nil {
		var nf *store.ErrNotFound
		if errors.As(err, &nf) {
			return nil, nil, fmt.Errorf("%w: %s chat %s", models.ErrNotLinked, channel, chatID)
		}
		return nil, nil, fmt.Errorf("find identity: %w", err)
	}

	t, err := r.ResolveTenant(ctx, id.TenantID)
	if err != nil {
		if errors.Is(err, models.ErrTenantNotFound) {
			return id, nil, fmt.Errorf("%w: tenant %s no longer exists", models.ErrNotLinked, id.TenantID)
		}
		return id, nil, err
	}
	return id, t, nil
}
