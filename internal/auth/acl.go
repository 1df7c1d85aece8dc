package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/celerix-dev/celerix-kv/pkg/engine"
)

// PublicACL grants every principal access to a namespace.
const PublicACL = "*"

// ACLChecker decides whether a principal may access a data namespace.
type ACLChecker struct {
	log   *engine.LogStore
	roots *RootRegistry
}

// NewACLChecker builds a checker over log; roots supplies the root bypass.
func NewACLChecker(log *engine.LogStore, roots *RootRegistry) *ACLChecker {
	return &ACLChecker{log: log, roots: roots}
}

// Authorize succeeds for the tenant root, for any principal on a public
// namespace, and for principals listed verbatim in the namespace ACL.
// A namespace without an ACL is closed to everyone but the root (ErrACLMissing).
func (c *ACLChecker) Authorize(ns engine.Namespace, principal string) error {
	if principal == "" {
		return fmt.Errorf("%w: no principal", engine.ErrForbidden)
	}
	isRoot, err := c.roots.IsRoot(ns.Tenant, principal)
	if err != nil {
		return err
	}
	if isRoot {
		return nil
	}

	acl, err := c.ACL(ns)
	if err != nil {
		return err
	}
	if acl == "" {
		return engine.ErrACLMissing
	}
	if Allows(acl, principal) {
		return nil
	}
	return fmt.Errorf("%w: %q may not access %s", engine.ErrForbidden, principal, ns)
}

// ACL returns the raw ACL of ns, or "" when none was ever written.
func (c *ACLChecker) ACL(ns engine.Namespace) (string, error) {
	v, err := c.log.ScanLast(ns, engine.ACLKey)
	if errors.Is(err, engine.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	acl, ok := v.Str()
	if !ok {
		return "", fmt.Errorf("%w: acl of %s is not a string", engine.ErrMalformedLog, ns)
	}
	return acl, nil
}

// Allows evaluates an ACL value: "*" admits everyone, otherwise principal must
// equal one comma-separated entry exactly.
func Allows(acl, principal string) bool {
	if acl == PublicACL {
		return true
	}
	for _, entry := range strings.Split(acl, ",") {
		if entry == principal {
			return true
		}
	}
	return false
}
