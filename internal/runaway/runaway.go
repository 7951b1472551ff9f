// Package runaway implements the admission guard against self-retriggering
// workflow loops: a workflow whose actions re-invoke its own trigger would
// otherwise queue runs without bound.
package runaway

import (
	"context"
	"time"

	"github.com/hookflow/hookflow/pkg/schema"
)

// Window is the trailing interval over which run starts are counted.
const Window = 5 * time.Minute

// SettingsKey holds the protection flag inside the per-user settings
// document. Two shapes are accepted: a bare boolean applying to the whole
// account, or a per-workspace map with an optional "default" entry.
const SettingsKey = "runaway_protection_enabled"

// DefaultLimit is the run-start ceiling applied when none is configured.
const DefaultLimit = 20

// Store is the slice of the persistence layer the guard needs.
type Store interface {
	GetSettings(ctx context.Context, userID string) (map[string]any, error)
	UpdateSettings(ctx context.Context, userID string, doc map[string]any) error
	CountWorkspaceRunsSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// Guard counts recent run starts from durable storage, so it stays correct
// across worker restarts and concurrent workers.
type Guard struct {
	store Store
	limit int
}

// NewGuard creates a guard with the given run-start limit per window.
func NewGuard(st Store, limit int) *Guard {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Guard{store: st, limit: limit}
}

// Limit returns the configured run-start ceiling.
func (g *Guard) Limit() int { return g.limit }

// Enabled reports whether protection is on for a workspace. A missing
// settings document or missing flag means enabled: the guard defaults closed.
func (g *Guard) Enabled(ctx context.Context, workspaceID string) (bool, error) {
	doc, err := g.store.GetSettings(ctx, workspaceID)
	if err != nil {
		return true, err
	}
	return EnabledInDoc(doc, workspaceID), nil
}

// EnabledInDoc resolves the flag from a settings document. Lookup order for
// the map form: the workspace's own entry, then "default", then enabled.
func EnabledInDoc(doc map[string]any, workspaceID string) bool {
	if doc == nil {
		return true
	}
	switch v := doc[SettingsKey].(type) {
	case bool:
		return v
	case map[string]any:
		if b, ok := v[workspaceID].(bool); ok {
			return b
		}
		if b, ok := v["default"].(bool); ok {
			return b
		}
		return true
	default:
		return true
	}
}

// SetEnabledAll writes the bare-boolean form, overriding any per-workspace map.
func (g *Guard) SetEnabledAll(ctx context.Context, userID string, enabled bool) error {
	doc, err := g.store.GetSettings(ctx, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	doc[SettingsKey] = enabled
	return g.store.UpdateSettings(ctx, userID, doc)
}

// SetEnabled writes a per-workspace entry. A stored bare boolean is migrated
// to the map form on write, with the old value preserved as "default".
func (g *Guard) SetEnabled(ctx context.Context, userID, workspaceID string, enabled bool) error {
	doc, err := g.store.GetSettings(ctx, userID)
	if err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]any{}
	}

	var entries map[string]any
	switch v := doc[SettingsKey].(type) {
	case map[string]any:
		entries = v
	case bool:
		entries = map[string]any{"default": v}
	default:
		entries = map[string]any{"default": true}
	}
	entries[workspaceID] = enabled
	doc[SettingsKey] = entries
	return g.store.UpdateSettings(ctx, userID, doc)
}

// Enforce refuses admission when the workspace started more runs in the
// trailing window than the limit allows. The returned error carries the
// observed count and the limit, and callers must surface it as a
// rate-limit-style refusal rather than a generic failure.
func (g *Guard) Enforce(ctx context.Context, workspaceID string) error {
	enabled, err := g.Enabled(ctx, workspaceID)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "read runaway protection settings").WithCause(err)
	}
	if !enabled {
		return nil
	}

	count, err := g.store.CountWorkspaceRunsSince(ctx, workspaceID, time.Now().UTC().Add(-Window))
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "count workspace runs").WithCause(err)
	}
	if count > g.limit {
		return schema.NewErrorf(schema.ErrCodeRunaway,
			"%s: %d runs started in the last %s (limit %d)",
			schema.RunawayProtectionError, count, Window, g.limit).
			WithDetails(map[string]any{"count": count, "limit": g.limit})
	}
	return nil
}
