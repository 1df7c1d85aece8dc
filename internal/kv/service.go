// Package kv exposes the core call shapes used by every protocol adapter:
// authorized reads and writes plus the administrative root and key operations.
package kv

import (
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-kv/internal/auth"
	"github.com/celerix-dev/celerix-kv/pkg/engine"
)

// Service gates every log access behind an authorization decision.
type Service struct {
	log    *engine.LogStore
	authz  *auth.Authorizer
	logger *zap.Logger

	rootOnlyACL bool
}

// New builds a service over log. A nil logger disables logging.
func New(log *engine.LogStore, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		log:    log,
		authz:  auth.NewAuthorizer(log),
		logger: logger.With(zap.String("component", "kv")),
	}
}

// RestrictACLWrites reserves writes of the ACL key for the tenant root. By
// default any principal the ACL admits may rewrite it.
func (s *Service) RestrictACLWrites(on bool) {
	s.rootOnlyACL = on
}

// Authorizer exposes the authorization facade, e.g. for adapters that only
// need an access decision.
func (s *Service) Authorizer() *auth.Authorizer { return s.authz }

// Get returns the current value of key in namespace after authorizing principal.
func (s *Service) Get(namespace, key, principal string) (string, error) {
	ns, err := parseAddress(namespace, key)
	if err != nil {
		return "", err
	}
	if err := s.authz.Authorize(ns, principal); err != nil {
		return "", err
	}
	v, err := s.log.ScanLast(ns, key)
	if err != nil {
		return "", err
	}
	str, ok := v.Str()
	if !ok {
		return "", fmt.Errorf("%w: %s/%s holds a non-string value", engine.ErrMalformedLog, ns, key)
	}
	s.logger.Debug("get", zap.String("namespace", ns.String()), zap.String("key", key), zap.String("principal", principal))
	return str, nil
}

// Put appends key=value to namespace after authorizing principal. The ACL key
// is written like any other key unless RestrictACLWrites is on.
func (s *Service) Put(namespace, key, value, principal string) error {
	ns, err := parseAddress(namespace, key)
	if err != nil {
		return err
	}
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: value is not valid UTF-8", engine.ErrBadRequest)
	}
	if key == engine.ACLKey && s.rootOnlyACL {
		if err := s.authz.RequireRoot(ns.Tenant, principal); err != nil {
			return err
		}
	} else if err := s.authz.Authorize(ns, principal); err != nil {
		return err
	}
	if err := s.log.Append(ns, engine.Record{Key: key, Value: engine.StringValue(value)}); err != nil {
		return err
	}
	if key == engine.ACLKey {
		s.logger.Info("acl updated", zap.String("namespace", ns.String()), zap.String("acl", value), zap.String("principal", principal))
	} else {
		s.logger.Debug("put", zap.String("namespace", ns.String()), zap.String("key", key), zap.String("principal", principal))
	}
	return nil
}

// Dump returns the current value of every key in namespace after authorizing
// principal. The ACL record is included.
func (s *Service) Dump(namespace, principal string) (map[string]string, error) {
	ns, err := engine.ParseNamespace(namespace)
	if err != nil {
		return nil, err
	}
	if err := s.authz.Authorize(ns, principal); err != nil {
		return nil, err
	}
	snap, err := s.log.Snapshot(ns)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(snap))
	for k, v := range snap {
		str, ok := v.Str()
		if !ok {
			return nil, fmt.Errorf("%w: %s/%s holds a non-string value", engine.ErrMalformedLog, ns, k)
		}
		out[k] = str
	}
	return out, nil
}

// CurrentRoot returns tenant's root, or "" when unset.
func (s *Service) CurrentRoot(tenant string) (string, error) {
	if err := engine.ValidateTenant(tenant); err != nil {
		return "", err
	}
	return s.authz.Roots.Current(tenant)
}

// BootstrapRoot makes principal the first root of tenant.
func (s *Service) BootstrapRoot(tenant, principal string) error {
	if err := s.authz.Roots.Bootstrap(tenant, principal); err != nil {
		return err
	}
	s.logger.Info("root bootstrapped", zap.String("tenant", tenant), zap.String("root", principal))
	return nil
}

// RotateRoot hands tenant's root from caller to newRoot.
func (s *Service) RotateRoot(tenant, newRoot, caller string) error {
	if err := s.authz.Roots.Rotate(tenant, newRoot, caller); err != nil {
		return err
	}
	s.logger.Info("root rotated", zap.String("tenant", tenant), zap.String("from", caller), zap.String("to", newRoot))
	return nil
}

// CreateKey issues an API key for owner. caller must be the tenant root.
func (s *Service) CreateKey(tenant, owner, caller string) (auth.IssuedKey, error) {
	issued, err := s.authz.Keys.Create(tenant, owner, caller)
	if err != nil {
		return auth.IssuedKey{}, err
	}
	s.logger.Info("api key created", zap.String("tenant", tenant), zap.String("owner", owner), zap.String("token_id", issued.TokenID))
	return issued, nil
}

// RevokeKey deactivates tokenID. caller must be the tenant root.
func (s *Service) RevokeKey(tenant, tokenID, caller string) error {
	if err := s.authz.Keys.Revoke(tenant, tokenID, caller); err != nil {
		return err
	}
	s.logger.Info("api key revoked", zap.String("tenant", tenant), zap.String("token_id", tokenID), zap.String("principal", caller))
	return nil
}

// ResolvePrincipal maps an API key to its owner; failures are ErrUnauthenticated.
func (s *Service) ResolvePrincipal(tenant, token string) (string, error) {
	principal, err := s.authz.ResolvePrincipal(tenant, token)
	if err != nil {
		s.logger.Debug("api key rejected", zap.String("tenant", tenant), zap.Error(err))
		return "", err
	}
	return principal, nil
}

func parseAddress(namespace, key string) (engine.Namespace, error) {
	ns, err := engine.ParseNamespace(namespace)
	if err != nil {
		return engine.Namespace{}, err
	}
	if key == "" {
		return engine.Namespace{}, fmt.Errorf("%w: empty key", engine.ErrBadRequest)
	}
	if !utf8.ValidString(key) {
		return engine.Namespace{}, fmt.Errorf("%w: key is not valid UTF-8", engine.ErrBadRequest)
	}
	return ns, nil
}
