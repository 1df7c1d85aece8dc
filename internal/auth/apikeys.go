package auth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/celerix-dev/celerix-kv/internal/vault"
	"github.com/celerix-dev/celerix-kv/pkg/engine"
)

// TokenIDLen is the length of the lookup prefix of an API key.
const TokenIDLen = 8

// maxIssueAttempts bounds regeneration when a fresh token id is already taken.
const maxIssueAttempts = 3

// IssuedKey is returned once by Create. Token is never retrievable again.
type IssuedKey struct {
	Token   string `json:"token"`
	TokenID string `json:"tokenId"`
}

// KeyManager issues, verifies and revokes per-tenant API keys. Credentials
// live in the tenant's key namespace keyed by token id.
//
// Per token id the lifecycle is nonexistent -> active -> revoked.
type KeyManager struct {
	log    *engine.LogStore
	roots  *RootRegistry
	secret func() (string, error)
	mu     sync.Mutex
}

// NewKeyManager builds a key manager over log.
func NewKeyManager(log *engine.LogStore, roots *RootRegistry) *KeyManager {
	return &KeyManager{log: log, roots: roots, secret: vault.NewSecret}
}

// Create issues a key owned by owner. Only tenant's root may call it.
func (m *KeyManager) Create(tenant, owner, caller string) (IssuedKey, error) {
	if err := validate(tenant, owner); err != nil {
		return IssuedKey{}, err
	}
	if err := m.requireRoot(tenant, caller); err != nil {
		return IssuedKey{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns := engine.KeyNamespace(tenant)
	for attempt := 0; attempt < maxIssueAttempts; attempt++ {
		token, err := m.secret()
		if err != nil {
			return IssuedKey{}, err
		}
		if len(token) < TokenIDLen {
			return IssuedKey{}, fmt.Errorf("generated secret too short")
		}
		id := token[:TokenIDLen]

		// Last-write-wins would silently replace an earlier credential sharing the id.
		_, err = m.log.ScanLast(ns, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, engine.ErrNotFound) {
			return IssuedKey{}, err
		}

		cred := engine.Credential{SecretHash: vault.Digest(token), Owner: owner, Active: true}
		if err := m.log.Append(ns, engine.Record{Key: id, Value: engine.CredentialValue(cred)}); err != nil {
			return IssuedKey{}, err
		}
		return IssuedKey{Token: token, TokenID: id}, nil
	}
	return IssuedKey{}, fmt.Errorf("%w: could not allocate an unused token id", engine.ErrConflict)
}

// Revoke deactivates tokenID. The secret hash and owner are carried over
// unchanged. Revoking a revoked key is a no-op.
func (m *KeyManager) Revoke(tenant, tokenID, caller string) error {
	if err := engine.ValidateTenant(tenant); err != nil {
		return err
	}
	if err := m.requireRoot(tenant, caller); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ns := engine.KeyNamespace(tenant)
	cred, err := m.lookup(ns, tokenID)
	if err != nil {
		return err
	}
	if !cred.Active {
		return nil
	}
	cred.Active = false
	return m.log.Append(ns, engine.Record{Key: tokenID, Value: engine.CredentialValue(cred)})
}

// Verify resolves a presented token to its owner. Any failure (unknown id,
// revoked key, digest mismatch) is ErrUnauthenticated.
func (m *KeyManager) Verify(tenant, token string) (string, error) {
	if len(token) <= TokenIDLen {
		return "", fmt.Errorf("%w: malformed api key", engine.ErrUnauthenticated)
	}
	if err := engine.ValidateTenant(tenant); err != nil {
		return "", err
	}

	cred, err := m.lookup(engine.KeyNamespace(tenant), token[:TokenIDLen])
	if errors.Is(err, engine.ErrNotFound) {
		return "", fmt.Errorf("%w: unknown api key", engine.ErrUnauthenticated)
	}
	if err != nil {
		return "", err
	}
	if !cred.Active {
		return "", fmt.Errorf("%w: api key revoked", engine.ErrUnauthenticated)
	}
	if !vault.Matches(token, cred.SecretHash) {
		return "", fmt.Errorf("%w: invalid api key", engine.ErrUnauthenticated)
	}
	return cred.Owner, nil
}

func (m *KeyManager) lookup(ns engine.Namespace, tokenID string) (engine.Credential, error) {
	if tokenID == "" {
		return engine.Credential{}, fmt.Errorf("%w: empty token id", engine.ErrBadRequest)
	}
	v, err := m.log.ScanLast(ns, tokenID)
	if err != nil {
		return engine.Credential{}, err
	}
	cred, ok := v.Credential()
	if !ok {
		return engine.Credential{}, fmt.Errorf("%w: %s in %s is not a credential", engine.ErrMalformedLog, tokenID, ns)
	}
	return cred, nil
}

func (m *KeyManager) requireRoot(tenant, caller string) error {
	ok, err := m.roots.IsRoot(tenant, caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: only the tenant root may manage keys", engine.ErrForbidden)
	}
	return nil
}
