package sdk_test

import (
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/celerix-dev/celerix-kv/internal/kv"
	"github.com/celerix-dev/celerix-kv/internal/server"
	"github.com/celerix-dev/celerix-kv/internal/vault"
	"github.com/celerix-dev/celerix-kv/pkg/engine"
	"github.com/celerix-dev/celerix-kv/pkg/sdk"
)

// MockStore implements KVReader and KVWriter for testing SDK helpers
type MockStore struct {
	data map[string]string
}

func (m *MockStore) Get(namespace, key string) (string, error) {
	v, ok := m.data[key]
	if !ok {
		return "", engine.ErrNotFound
	}
	return v, nil
}

func (m *MockStore) Put(namespace, key, value string) error {
	m.data[key] = value
	return nil
}

type User struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func TestGenericGetSet(t *testing.T) {
	ms := &MockStore{data: make(map[string]string)}

	user := User{Name: "Alice", Age: 30}

	if err := sdk.SetJSON(ms, "acme:users", "user1", user); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}
	if ms.data["user1"] != `{"name":"Alice","age":30}` {
		t.Errorf("unexpected stored form %q", ms.data["user1"])
	}

	gotUser, err := sdk.GetJSON[User](ms, "acme:users", "user1")
	if err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if gotUser != user {
		t.Errorf("Expected %v, got %v", user, gotUser)
	}
}

func TestGenericGetErrors(t *testing.T) {
	ms := &MockStore{data: map[string]string{"bad": "not json"}}

	if _, err := sdk.GetJSON[User](ms, "acme:users", "bad"); err == nil {
		t.Error("expected decode error")
	}
	if _, err := sdk.GetJSON[User](ms, "acme:users", "missing"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// startServer runs a router over a fresh store with tenant "acme" rooted at
// alice and "acme:notes" shared with bob.
func startServer(t *testing.T, trusted bool, tlsOn bool) (*kv.Service, string) {
	t.Helper()
	log, err := engine.NewLogStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLogStore: %v", err)
	}
	svc := kv.New(log, nil)
	if err := svc.BootstrapRoot("acme", "alice"); err != nil {
		t.Fatalf("BootstrapRoot: %v", err)
	}
	if err := svc.Put("acme:notes", engine.ACLKey, "alice,bob", "alice"); err != nil {
		t.Fatalf("Put acl: %v", err)
	}

	router := server.NewRouter(svc)
	router.TrustPrincipal(trusted)
	if tlsOn {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			t.Fatalf("GenerateSelfSignedCert: %v", err)
		}
		router.SetCertificate(cert)
	}
	go router.Listen("0")
	t.Cleanup(func() { router.Stop() })

	for i := 0; i < 20; i++ {
		if addr := router.Addr(); addr != nil {
			return svc, fmt.Sprintf("127.0.0.1:%d", addr.(*net.TCPAddr).Port)
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("Server did not start in time")
	return nil, ""
}

func TestClient_Integration(t *testing.T) {
	_, addr := startServer(t, true, false)

	client, err := sdk.Connect(addr, sdk.WithoutTLS())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	if err := client.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	if err := client.Put("acme:notes", "k1", "v1"); !errors.Is(err, engine.ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated before As, got %v", err)
	}

	if err := client.As("alice"); err != nil {
		t.Fatalf("As failed: %v", err)
	}

	if err := client.Put("acme:notes", "k1", "v1 with spaces"); err != nil {
		t.Fatalf("Client Put failed: %v", err)
	}
	val, err := client.Get("acme:notes", "k1")
	if err != nil || val != "v1 with spaces" {
		t.Errorf("Client Get failed: %v, %v", val, err)
	}

	if _, err := client.Get("acme:notes", "missing"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	data, err := client.Dump("acme:notes")
	if err != nil || data["k1"] != "v1 with spaces" {
		t.Errorf("Dump failed: %v, %v", data, err)
	}

	// Namespace scope
	notes := client.Namespace("acme:notes")
	if err := notes.Put("k2", "v2"); err != nil {
		t.Fatalf("Scope Put failed: %v", err)
	}
	if val, _ := notes.Get("k2"); val != "v2" {
		t.Errorf("Scope Get failed: %v", val)
	}

	// Typed helpers over the wire
	if err := sdk.SetJSON(client, "acme:notes", "user", User{Name: "Bob", Age: 25}); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}
	got, err := sdk.GetJSON[User](client, "acme:notes", "user")
	if err != nil || got.Name != "Bob" || got.Age != 25 {
		t.Errorf("GetJSON failed: %v, %v", got, err)
	}

	if err := client.As("eve"); err != nil {
		t.Fatalf("As failed: %v", err)
	}
	if _, err := client.Get("acme:notes", "k1"); !errors.Is(err, engine.ErrForbidden) {
		t.Errorf("expected ErrForbidden, got %v", err)
	}
	if _, err := client.Get("acme:other", "k1"); !errors.Is(err, engine.ErrACLMissing) {
		t.Errorf("expected ErrACLMissing, got %v", err)
	}
}

func TestClient_KeysWithWhitespace(t *testing.T) {
	svc, addr := startServer(t, true, false)

	client, err := sdk.Connect(addr, sdk.WithoutTLS())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()
	if err := client.As("bob"); err != nil {
		t.Fatalf("As failed: %v", err)
	}

	// Written outside the TCP protocol, as the HTTP API would.
	if err := svc.Put("acme:notes", "a\nGET acme:notes a", "AAA", "alice"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := client.Put("acme:notes", "has space", "BBB"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := client.Put("acme:notes", "b", "line one\nline two"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	for key, want := range map[string]string{
		"a\nGET acme:notes a": "AAA",
		"b":                   "line one\nline two",
		"has space":           "BBB",
	} {
		got, err := client.Get("acme:notes", key)
		if err != nil || got != want {
			t.Errorf("Get(%q) = %q, %v; want %q", key, got, err, want)
		}
	}
	if got, err := svc.Get("acme:notes", "has space", "bob"); err != nil || got != "BBB" {
		t.Errorf("expected BBB under the raw key, got %q, %v", got, err)
	}
}

func TestClient_RejectsBadArguments(t *testing.T) {
	_, addr := startServer(t, true, false)

	client, err := sdk.Connect(addr, sdk.WithoutTLS())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()
	if err := client.As("alice"); err != nil {
		t.Fatalf("As failed: %v", err)
	}

	if _, err := client.Get("acme:notes\nPING", "k"); !errors.Is(err, engine.ErrBadRequest) {
		t.Errorf("expected ErrBadRequest for a bad namespace, got %v", err)
	}
	if _, err := client.Dump("acme notes"); !errors.Is(err, engine.ErrBadRequest) {
		t.Errorf("expected ErrBadRequest for a bad namespace, got %v", err)
	}
	if err := client.Put("acme:notes", "k", "a\xffb"); !errors.Is(err, engine.ErrBadRequest) {
		t.Errorf("expected ErrBadRequest for invalid UTF-8, got %v", err)
	}

	// The session is still in step.
	if who, err := client.WhoAmI(); err != nil || who != "alice" {
		t.Errorf("expected alice, got %q, %v", who, err)
	}
}

func TestClient_Auth(t *testing.T) {
	svc, addr := startServer(t, false, false)
	issued, err := svc.CreateKey("acme", "bob", "alice")
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	client, err := sdk.Connect(addr, sdk.WithoutTLS())
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	if err := client.As("alice"); !errors.Is(err, engine.ErrUnauthenticated) {
		t.Errorf("expected untrusted As to fail, got %v", err)
	}

	if _, err := client.Auth("acme", "0000000000000000"); !errors.Is(err, engine.ErrUnauthenticated) {
		t.Errorf("expected bad token to fail, got %v", err)
	}

	owner, err := client.Auth("acme", issued.Token)
	if err != nil || owner != "bob" {
		t.Fatalf("Auth failed: %v, %v", owner, err)
	}
	if who, _ := client.WhoAmI(); who != "bob" {
		t.Errorf("WhoAmI = %q", who)
	}
	if err := client.Put("acme:notes", "k", "v"); err != nil {
		t.Errorf("Put failed: %v", err)
	}
}

func TestClient_TLS(t *testing.T) {
	_, addr := startServer(t, true, true)

	client, err := sdk.Connect(addr)
	if err != nil {
		t.Fatalf("Failed to connect over TLS: %v", err)
	}
	defer client.Close()

	if err := client.Ping(); err != nil {
		t.Fatalf("Ping over TLS failed: %v", err)
	}
}

func TestClient_ReconnectReplaysCredential(t *testing.T) {
	_, addr := startServer(t, true, false)

	client, err := sdk.Connect(addr, sdk.WithoutTLS(), sdk.WithDialTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	if err := client.As("alice"); err != nil {
		t.Fatalf("As failed: %v", err)
	}
	client.Close()

	// the next call dials again and replays AS alice before GET
	if _, err := client.Get("acme:notes", "k1"); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("expected ErrNotFound after reconnect, got %v", err)
	}
	if who, err := client.WhoAmI(); err != nil || who != "alice" {
		t.Errorf("WhoAmI after reconnect = %q, %v", who, err)
	}
	client.Close()
}

func TestConnect_Unreachable(t *testing.T) {
	if _, err := sdk.Connect("127.0.0.1:1", sdk.WithoutTLS(), sdk.WithDialTimeout(200*time.Millisecond)); err == nil {
		t.Error("expected dial error")
	}
}

func TestLocal(t *testing.T) {
	dir := t.TempDir()
	log, err := engine.NewLogStore(dir)
	if err != nil {
		t.Fatalf("NewLogStore: %v", err)
	}
	svc := kv.New(log, nil)
	if err := svc.BootstrapRoot("acme", "alice"); err != nil {
		t.Fatalf("BootstrapRoot: %v", err)
	}
	if err := svc.Put("acme:notes", engine.ACLKey, "*", "alice"); err != nil {
		t.Fatalf("Put acl: %v", err)
	}

	t.Setenv("CELERIX_KV_ADDR", "")
	store, err := sdk.New(dir, "bob")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer store.Close()

	if err := store.Namespace("acme:notes").Put("k", "v"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v, err := svc.Get("acme:notes", "k", "alice"); err != nil || v != "v" {
		t.Errorf("written value not visible to the service: %q, %v", v, err)
	}
	if data, err := store.Dump("acme:notes"); err != nil || data["k"] != "v" {
		t.Errorf("Dump = %v, %v", data, err)
	}
	if _, err := store.Get("acme:private", "k"); !errors.Is(err, engine.ErrACLMissing) {
		t.Errorf("expected ErrACLMissing, got %v", err)
	}
}
