package creds

import "context"

// Slot names used by stores that persist to shared key/value media. The
// legacy alias mirrors the access token for pre-rename deployments and is
// written and cleared in lockstep with it.
const (
	SlotAccess      = "everyst_access_token"
	SlotRefresh     = "everyst_refresh_token"
	SlotLegacyAlias = "token"
)

// Store is durable credential storage shared across processes. There is
// no cross-process locking: last writer wins, and each process
// re-validates whatever it loads on startup.
type Store interface {
	// Load returns the stored credential, or ErrNotFound when no access
	// token is present.
	Load(ctx context.Context) (Credential, error)

	// Save persists both slots (and the legacy alias) atomically with
	// respect to Load within this process.
	Save(ctx context.Context, cred Credential) error

	// Clear removes all slots together. Clearing an empty store is a
	// no-op, not an error.
	Clear(ctx context.Context) error
}
