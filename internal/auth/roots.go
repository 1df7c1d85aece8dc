// Package auth implements tenant roots, namespace ACLs and API keys on top of
// the engine's append-only logs.
package auth

import (
	"errors"
	"fmt"
	"sync"

	"github.com/celerix-dev/celerix-kv/pkg/engine"
)

// RootRegistry tracks the root principal of every tenant in the meta namespace.
// The authoritative root is the last root pointer appended for the tenant.
type RootRegistry struct {
	log *engine.LogStore
	mu  sync.Mutex // serializes check-then-append
}

// NewRootRegistry builds a registry over log.
func NewRootRegistry(log *engine.LogStore) *RootRegistry {
	return &RootRegistry{log: log}
}

// Current returns tenant's root, or "" when none has been bootstrapped.
func (r *RootRegistry) Current(tenant string) (string, error) {
	v, err := r.log.ScanLast(engine.MetaNamespace(), engine.RootKey(tenant))
	if errors.Is(err, engine.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	root, ok := v.Str()
	if !ok {
		return "", fmt.Errorf("%w: root pointer for %q is not a string", engine.ErrMalformedLog, tenant)
	}
	return root, nil
}

// IsRoot reports whether principal is tenant's current root.
func (r *RootRegistry) IsRoot(tenant, principal string) (bool, error) {
	if principal == "" {
		return false, nil
	}
	root, err := r.Current(tenant)
	if err != nil {
		return false, err
	}
	return root != "" && root == principal, nil
}

// Bootstrap sets the first root of tenant. It fails with ErrConflict when a
// root already resolves.
func (r *RootRegistry) Bootstrap(tenant, principal string) error {
	if err := validate(tenant, principal); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, err := r.Current(tenant)
	if err != nil {
		return err
	}
	if current != "" {
		return fmt.Errorf("%w: root already set to %q", engine.ErrConflict, current)
	}
	return r.write(tenant, principal)
}

// Rotate hands tenant's root to newPrincipal. Only the current root may rotate.
func (r *RootRegistry) Rotate(tenant, newPrincipal, caller string) error {
	if err := validate(tenant, newPrincipal); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ok, err := r.IsRoot(tenant, caller)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: only current root may rotate", engine.ErrForbidden)
	}
	return r.write(tenant, newPrincipal)
}

func (r *RootRegistry) write(tenant, principal string) error {
	return r.log.Append(engine.MetaNamespace(), engine.Record{
		Key:   engine.RootKey(tenant),
		Value: engine.StringValue(principal),
	})
}

func validate(tenant, principal string) error {
	if err := engine.ValidateTenant(tenant); err != nil {
		return err
	}
	if principal == "" {
		return fmt.Errorf("%w: principal must not be empty", engine.ErrBadRequest)
	}
	return nil
}
