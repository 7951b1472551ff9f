// Package secrets stores per-user workflow credentials encrypted at rest.
// Runs address them through the reserved "secrets" context key, so a node
// config can say {{secrets.API_KEY}} without the value ever being persisted
// in a snapshot or node output.
package secrets

import "context"

// Vault resolves a user's secrets at run time. Values are encrypted at rest
// (AES-256-GCM) and decrypted in-memory only.
type Vault interface {
	Store(ctx context.Context, userID, key string, value []byte) error
	Resolve(ctx context.Context, userID, key string) ([]byte, error)
	Delete(ctx context.Context, userID, key string) error
	List(ctx context.Context, userID string) ([]string, error)

	// ResolveAll decrypts every secret of a user, keyed by secret name.
	// The engine uses it to seed the run's secrets context and mask list.
	ResolveAll(ctx context.Context, userID string) (map[string]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, userID, key string, value []byte) error
	GetSecret(ctx context.Context, userID, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, userID, key string) error
	ListSecrets(ctx context.Context, userID string) (map[string][]byte, error)
}
