package sdk

import (
	"encoding/json"
	"fmt"
)

// --- Functional Interfaces (Interface Segregation) ---

// KVReader defines the read operation for the store.
type KVReader interface {
	Get(namespace, key string) (string, error)
}

// KVWriter defines the write operation for the store.
type KVWriter interface {
	Put(namespace, key, value string) error
}

// BatchExporter allows retrieving a whole namespace.
type BatchExporter interface {
	Dump(namespace string) (map[string]string, error)
}

// Store is implemented by both the remote Client and the embedded Local store.
type Store interface {
	KVReader
	KVWriter
	BatchExporter
	Namespace(namespace string) Scope
	Close() error
}

// Scope pins a namespace so callers only pass keys.
type Scope interface {
	Get(key string) (string, error)
	Put(key, value string) error
}

type namespaceScope struct {
	store interface {
		KVReader
		KVWriter
	}
	namespace string
}

func (s *namespaceScope) Get(key string) (string, error) {
	return s.store.Get(s.namespace, key)
}

func (s *namespaceScope) Put(key, value string) error {
	return s.store.Put(s.namespace, key, value)
}

// --- Generics Support ---

// GetJSON decodes the value of key, stored as a JSON document, into T.
func GetJSON[T any](s KVReader, namespace, key string) (T, error) {
	var target T
	val, err := s.Get(namespace, key)
	if err != nil {
		return target, err
	}
	if err := json.Unmarshal([]byte(val), &target); err != nil {
		return target, fmt.Errorf("decode %s/%s: %w", namespace, key, err)
	}
	return target, nil
}

// SetJSON stores val as a JSON document under key.
func SetJSON[T any](s KVWriter, namespace, key string, val T) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return s.Put(namespace, key, string(data))
}
