package kv

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/celerix-dev/celerix-kv/pkg/engine"
)

func newTestService(t *testing.T) (*Service, *engine.LogStore) {
	t.Helper()
	log, err := engine.NewLogStore(t.TempDir())
	require.NoError(t, err)
	return New(log, nil), log
}

func TestRoundTrip(t *testing.T) {
	s, _ := newTestService(t)
	require.NoError(t, s.BootstrapRoot("acme", "alice"))

	require.NoError(t, s.Put("acme:foo", "k1", "v1", "alice"))
	v, err := s.Get("acme:foo", "k1", "alice")
	require.NoError(t, err)
	assert.Equal(t, "v1", v)
}

func TestLastWriteWins(t *testing.T) {
	s, _ := newTestService(t)
	require.NoError(t, s.BootstrapRoot("acme", "alice"))

	for _, v := range []string{"one", "two", "three"} {
		require.NoError(t, s.Put("acme:foo", "k", v, "alice"))
	}
	v, err := s.Get("acme:foo", "k", "alice")
	require.NoError(t, err)
	assert.Equal(t, "three", v)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s, _ := newTestService(t)
	require.NoError(t, s.BootstrapRoot("acme", "alice"))

	_, err := s.Get("acme:nothing", "k", "alice")
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestPublicNamespaceScenario(t *testing.T) {
	s, _ := newTestService(t)
	require.NoError(t, s.BootstrapRoot("acme", "alice"))
	require.NoError(t, s.Put("acme:pub", engine.ACLKey, "*", "alice"))
	require.NoError(t, s.Put("acme:pub", "foo", "hello", "alice"))

	for _, p := range []string{"alice", "bob", "randomUser"} {
		v, err := s.Get("acme:pub", "foo", p)
		require.NoError(t, err, p)
		assert.Equal(t, "hello", v, p)
	}
}

func TestSecretNamespaceScenario(t *testing.T) {
	s, _ := newTestService(t)
	require.NoError(t, s.BootstrapRoot("acme", "alice"))
	require.NoError(t, s.Put("acme:secret", engine.ACLKey, "charlie", "alice"))

	authz := s.Authorizer()
	secret, err := engine.ParseNamespace("acme:secret")
	require.NoError(t, err)

	assert.ErrorIs(t, authz.Authorize(secret, "mallory"), engine.ErrForbidden)
	assert.NoError(t, authz.Authorize(secret, "charlie"))

	require.NoError(t, s.Put("acme:secret", "msg", "classified", "charlie"))
	_, err = s.Get("acme:secret", "msg", "mallory")
	assert.ErrorIs(t, err, engine.ErrForbidden)
}

func TestACLWritesFollowACL(t *testing.T) {
	s, _ := newTestService(t)
	require.NoError(t, s.BootstrapRoot("acme", "alice"))
	require.NoError(t, s.Put("acme:team", engine.ACLKey, "charlie", "alice"))

	// charlie is admitted, so charlie may widen the list.
	require.NoError(t, s.Put("acme:team", engine.ACLKey, "charlie,dave", "charlie"))
	require.NoError(t, s.Put("acme:team", "k", "v", "dave"))

	assert.ErrorIs(t, s.Put("acme:team", engine.ACLKey, "*", "mallory"), engine.ErrForbidden)
	_, err := s.Get("acme:team", "k", "mallory")
	assert.ErrorIs(t, err, engine.ErrForbidden)
}

func TestRestrictACLWrites(t *testing.T) {
	s, _ := newTestService(t)
	s.RestrictACLWrites(true)
	require.NoError(t, s.BootstrapRoot("acme", "alice"))
	require.NoError(t, s.Put("acme:team", engine.ACLKey, "bob", "alice"))

	// bob may use the namespace but not widen it.
	require.NoError(t, s.Put("acme:team", "k", "v", "bob"))
	assert.ErrorIs(t, s.Put("acme:team", engine.ACLKey, "*", "bob"), engine.ErrForbidden)

	acl, err := s.Get("acme:team", engine.ACLKey, "alice")
	require.NoError(t, err)
	assert.Equal(t, "bob", acl)
}

func TestPutRejectsInvalidUTF8(t *testing.T) {
	s, _ := newTestService(t)
	require.NoError(t, s.BootstrapRoot("acme", "alice"))
	require.NoError(t, s.Put("acme:foo", engine.ACLKey, "alice", "alice"))

	err := s.Put("acme:foo", "k", "a\xffb", "alice")
	assert.ErrorIs(t, err, engine.ErrBadRequest)
	_, err = s.Get("acme:foo", "k", "alice")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	require.NoError(t, s.Put("acme:foo", "k", "naïve ☃", "alice"))
	got, err := s.Get("acme:foo", "k", "alice")
	require.NoError(t, err)
	assert.Equal(t, "naïve ☃", got)
}

func TestUnbootstrappedNamespaceIsClosed(t *testing.T) {
	s, _ := newTestService(t)
	require.NoError(t, s.BootstrapRoot("acme", "alice"))

	err := s.Put("acme:fresh", "k", "v", "bob")
	assert.ErrorIs(t, err, engine.ErrACLMissing)
	_, err = s.Get("acme:fresh", "k", "bob")
	assert.ErrorIs(t, err, engine.ErrACLMissing)
}

func TestBadAddressing(t *testing.T) {
	s, _ := newTestService(t)
	require.NoError(t, s.BootstrapRoot("acme", "alice"))

	_, err := s.Get("acme", "k", "alice")
	assert.ErrorIs(t, err, engine.ErrBadRequest)
	_, err = s.Get("acme:foo", "", "alice")
	assert.ErrorIs(t, err, engine.ErrBadRequest)
	assert.ErrorIs(t, s.Put("acme:__keys__", "k", "v", "alice"), engine.ErrBadRequest)
	assert.ErrorIs(t, s.Put("acme:../../etc", "k", "v", "alice"), engine.ErrBadRequest)
	_, err = s.CurrentRoot("a/b")
	assert.ErrorIs(t, err, engine.ErrBadRequest)
}

func TestMalformedLogScenario(t *testing.T) {
	s, log := newTestService(t)
	require.NoError(t, s.BootstrapRoot("acme", "alice"))
	require.NoError(t, s.Put("acme:foo", "good", "1", "alice"))

	ns, _ := engine.ParseNamespace("acme:foo")
	f, err := os.OpenFile(log.Path(ns), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, _ = f.WriteString("{\"k\": \"broken\"\n")
	require.NoError(t, f.Close())
	require.NoError(t, s.Put("acme:foo", "good", "2", "alice"))

	_, err = s.Get("acme:foo", "good", "alice")
	assert.ErrorIs(t, err, engine.ErrMalformedLog)
}

func TestRootAdministration(t *testing.T) {
	s, _ := newTestService(t)

	root, err := s.CurrentRoot("acme")
	require.NoError(t, err)
	assert.Empty(t, root)

	require.NoError(t, s.BootstrapRoot("acme", "alice"))
	assert.ErrorIs(t, s.BootstrapRoot("acme", "bob"), engine.ErrConflict)
	assert.ErrorIs(t, s.RotateRoot("acme", "bob", "mallory"), engine.ErrForbidden)
	require.NoError(t, s.RotateRoot("acme", "bob", "alice"))

	root, err = s.CurrentRoot("acme")
	require.NoError(t, err)
	assert.Equal(t, "bob", root)

	// alice lost the root bypass.
	_, err = s.Get("acme:fresh", "k", "alice")
	assert.ErrorIs(t, err, engine.ErrACLMissing)
}

func TestKeyScenario(t *testing.T) {
	s, _ := newTestService(t)
	require.NoError(t, s.BootstrapRoot("acme", "alice"))

	issued, err := s.CreateKey("acme", "bob", "alice")
	require.NoError(t, err)

	owner, err := s.ResolvePrincipal("acme", issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "bob", owner)

	require.NoError(t, s.RevokeKey("acme", issued.TokenID, "alice"))
	_, err = s.ResolvePrincipal("acme", issued.Token)
	assert.ErrorIs(t, err, engine.ErrUnauthenticated)

	_, err = s.CreateKey("acme", "eve", "bob")
	assert.ErrorIs(t, err, engine.ErrForbidden)
	assert.ErrorIs(t, s.RevokeKey("acme", "00000000", "alice"), engine.ErrNotFound)
}

func TestAdminOperationsAreLoggedWithoutSecrets(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log, err := engine.NewLogStore(t.TempDir())
	require.NoError(t, err)
	s := New(log, zap.New(core))

	require.NoError(t, s.BootstrapRoot("acme", "alice"))
	issued, err := s.CreateKey("acme", "bob", "alice")
	require.NoError(t, err)
	require.NoError(t, s.RevokeKey("acme", issued.TokenID, "alice"))
	require.NoError(t, s.RotateRoot("acme", "bob", "alice"))

	for _, msg := range []string{"root bootstrapped", "api key created", "api key revoked", "root rotated"} {
		assert.Equal(t, 1, logs.FilterMessage(msg).Len(), msg)
	}
	for _, entry := range logs.All() {
		for _, f := range entry.Context {
			assert.False(t, strings.Contains(f.String, issued.Token), "token leaked in %q", entry.Message)
		}
	}
	created := logs.FilterMessage("api key created").All()[0].ContextMap()
	assert.Equal(t, issued.TokenID, created["token_id"])
	assert.Equal(t, "kv", created["component"])
}

func TestDump(t *testing.T) {
	s, _ := newTestService(t)
	require.NoError(t, s.BootstrapRoot("acme", "alice"))
	require.NoError(t, s.Put("acme:team", engine.ACLKey, "alice,bob", "alice"))
	require.NoError(t, s.Put("acme:team", "k", "old", "bob"))
	require.NoError(t, s.Put("acme:team", "k", "new", "bob"))

	data, err := s.Dump("acme:team", "bob")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{engine.ACLKey: "alice,bob", "k": "new"}, data)

	_, err = s.Dump("acme:team", "carol")
	assert.ErrorIs(t, err, engine.ErrForbidden)

	_, err = s.Dump("acme:empty", "alice")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	_, err = s.Dump("acme:__keys__", "alice")
	assert.ErrorIs(t, err, engine.ErrBadRequest)
}
