package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// Reserved names and keys.
const (
	// MetaName is the global meta namespace holding root pointers.
	MetaName = "__meta__"
	// KeysName is the per-tenant namespace holding API-key credentials.
	KeysName = "__keys__"
	// ACLKey is the reserved key carrying a namespace's access-control list.
	ACLKey = "__acl__"
	// RootKeyPrefix prefixes root pointer keys in the meta namespace.
	RootKeyPrefix = "root:"

	reservedPrefix = "__"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,127}$`)

// Namespace addresses one append-only log. The zero Namespace is invalid.
type Namespace struct {
	Tenant string
	Name   string
	meta   bool
}

// String renders the namespace as "tenant:name", or the meta name.
func (n Namespace) String() string {
	if n.meta {
		return MetaName
	}
	return n.Tenant + ":" + n.Name
}

// IsMeta reports whether n is the global meta namespace.
func (n Namespace) IsMeta() bool { return n.meta }

// MetaNamespace returns the global meta namespace.
func MetaNamespace() Namespace { return Namespace{meta: true} }

// KeyNamespace returns the reserved key-credential namespace of tenant.
func KeyNamespace(tenant string) Namespace {
	return Namespace{Tenant: tenant, Name: KeysName}
}

// RootKey is the meta-namespace key of tenant's root pointer.
func RootKey(tenant string) string { return RootKeyPrefix + tenant }

// ParseNamespace parses a data namespace of the form "tenant:name".
// Reserved names are not addressable this way.
func ParseNamespace(s string) (Namespace, error) {
	tenant, name, ok := strings.Cut(s, ":")
	if !ok {
		return Namespace{}, fmt.Errorf("%w: namespace %q must be in \"<tenant>:<name>\" form", ErrBadRequest, s)
	}
	return NewNamespace(tenant, name)
}

// NewNamespace validates tenant and name and builds a data namespace.
func NewNamespace(tenant, name string) (Namespace, error) {
	if err := ValidateTenant(tenant); err != nil {
		return Namespace{}, err
	}
	if !nameRe.MatchString(name) {
		return Namespace{}, fmt.Errorf("%w: invalid namespace name %q", ErrBadRequest, name)
	}
	if strings.HasPrefix(name, reservedPrefix) {
		return Namespace{}, fmt.Errorf("%w: namespace name %q is reserved", ErrBadRequest, name)
	}
	return Namespace{Tenant: tenant, Name: name}, nil
}

// ValidateTenant checks that tenant is usable as a directory name.
func ValidateTenant(tenant string) error {
	if !nameRe.MatchString(tenant) {
		return fmt.Errorf("%w: invalid tenant %q", ErrBadRequest, tenant)
	}
	return nil
}
