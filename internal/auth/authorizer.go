package auth

import (
	"fmt"

	"github.com/celerix-dev/celerix-kv/pkg/engine"
)

// Authorizer is the single entry point for access decisions. Data access goes
// through the ACL path; administrative access requires the tenant root and
// never consults an ACL.
type Authorizer struct {
	Roots *RootRegistry
	ACL   *ACLChecker
	Keys  *KeyManager
}

// NewAuthorizer wires a registry, checker and key manager over one log store.
func NewAuthorizer(log *engine.LogStore) *Authorizer {
	roots := NewRootRegistry(log)
	return &Authorizer{
		Roots: roots,
		ACL:   NewACLChecker(log, roots),
		Keys:  NewKeyManager(log, roots),
	}
}

// Authorize answers "may principal access ns?".
func (a *Authorizer) Authorize(ns engine.Namespace, principal string) error {
	return a.ACL.Authorize(ns, principal)
}

// ResolvePrincipal maps an API key presented for tenant to its owner.
func (a *Authorizer) ResolvePrincipal(tenant, token string) (string, error) {
	return a.Keys.Verify(tenant, token)
}

// AuthorizeToken resolves token against ns's tenant and then authorizes the
// resulting principal, returning it on success.
func (a *Authorizer) AuthorizeToken(ns engine.Namespace, token string) (string, error) {
	principal, err := a.ResolvePrincipal(ns.Tenant, token)
	if err != nil {
		return "", err
	}
	if err := a.Authorize(ns, principal); err != nil {
		return "", err
	}
	return principal, nil
}

// RequireRoot fails with ErrForbidden unless principal is tenant's current root.
func (a *Authorizer) RequireRoot(tenant, principal string) error {
	ok, err := a.Roots.IsRoot(tenant, principal)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %q is not the root of %q", engine.ErrForbidden, principal, tenant)
	}
	return nil
}
