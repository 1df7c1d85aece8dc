package sdk

import (
	"os"

	"github.com/celerix-dev/celerix-kv/internal/kv"
	"github.com/celerix-dev/celerix-kv/pkg/engine"
)

// New initializes the store based on the environment.
// It returns the Interface, so the app doesn't care if it's local or remote.
//
// With CELERIX_KV_ADDR set it dials the daemon and authenticates with
// CELERIX_KV_TENANT/CELERIX_KV_TOKEN when present, else asserts principal.
// Otherwise it opens dataDir in-process acting as principal.
func New(dataDir, principal string) (Store, error) {
	if remoteAddr := os.Getenv("CELERIX_KV_ADDR"); remoteAddr != "" {
		client, err := Connect(remoteAddr)
		if err == nil {
			if token := os.Getenv("CELERIX_KV_TOKEN"); token != "" {
				_, err = client.Auth(os.Getenv("CELERIX_KV_TENANT"), token)
			} else {
				err = client.As(principal)
			}
			if err != nil {
				client.Close()
				return nil, err
			}
			return client, nil
		}
		// The daemon is unreachable; fall back to embedded mode.
	}
	return Open(dataDir, principal)
}

// Local is the embedded store: the same service the daemon runs, inside the
// app process, acting as one principal.
type Local struct {
	svc       *kv.Service
	principal string
}

// Open runs the store in-process over dataDir.
func Open(dataDir, principal string) (*Local, error) {
	log, err := engine.NewLogStore(dataDir)
	if err != nil {
		return nil, err
	}
	return &Local{svc: kv.New(log, nil), principal: principal}, nil
}

func (l *Local) Get(namespace, key string) (string, error) {
	return l.svc.Get(namespace, key, l.principal)
}

func (l *Local) Put(namespace, key, value string) error {
	return l.svc.Put(namespace, key, value, l.principal)
}

func (l *Local) Dump(namespace string) (map[string]string, error) {
	return l.svc.Dump(namespace, l.principal)
}

func (l *Local) Namespace(namespace string) Scope {
	return &namespaceScope{store: l, namespace: namespace}
}

// Close is a no-op; every append is already on disk.
func (l *Local) Close() error { return nil }
