// Package engine defines the core storage engine for the Celerix KV store:
// append-only, file-per-namespace logs resolved by last-write-wins.
package engine

import (
	"errors"
	"fmt"
)

// Standard errors for the engine and the layers built on it.
// Callers match them with errors.Is; messages are wrapped with %w.
var (
	// ErrBadRequest is returned for malformed addressing (tenant, namespace or key).
	ErrBadRequest = errors.New("bad request")
	// ErrUnauthenticated is returned when a credential cannot be resolved to a principal.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned when an ACL or root check fails.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is returned for an absent namespace, key or credential id.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a tenant root is already bootstrapped.
	ErrConflict = errors.New("conflict")
	// ErrMalformedLog is returned when a scan meets a line it cannot decode.
	ErrMalformedLog = errors.New("malformed log")

	// ErrACLMissing is a Forbidden outcome for namespaces that carry no ACL record.
	ErrACLMissing = fmt.Errorf("%w: acl missing; bootstrap first", ErrForbidden)
)

// Kind names, as they appear on the wire and in CLI output.
const (
	KindBadRequest      = "BAD_REQUEST"
	KindUnauthenticated = "UNAUTHENTICATED"
	KindForbidden       = "FORBIDDEN"
	KindNotFound        = "NOT_FOUND"
	KindConflict        = "CONFLICT"
	KindMalformedLog    = "MALFORMED_LOG"
	KindInternal        = "INTERNAL"
)

var kinds = []struct {
	name string
	err  error
}{
	{KindBadRequest, ErrBadRequest},
	{KindUnauthenticated, ErrUnauthenticated},
	{KindForbidden, ErrForbidden},
	{KindNotFound, ErrNotFound},
	{KindConflict, ErrConflict},
	{KindMalformedLog, ErrMalformedLog},
}

// KindOf classifies err into one of the Kind constants.
// Errors outside the taxonomy (I/O failures and the like) are KindInternal.
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return KindInternal
}

// FromKind rebuilds an error of the given kind, e.g. on the client side of a
// transport that only carries the kind name and a message.
func FromKind(kind, msg string) error {
	if kind == KindForbidden && msg == Message(ErrACLMissing) {
		return ErrACLMissing
	}
	for _, k := range kinds {
		if k.name == kind {
			if msg == "" || msg == k.err.Error() {
				return k.err
			}
			return fmt.Errorf("%w: %s", k.err, msg)
		}
	}
	return errors.New(msg)
}

// Message strips the kind prefix that %w wrapping puts in front of a message,
// so adapters can report "acl missing; bootstrap first" under KindForbidden
// rather than "forbidden: acl missing; bootstrap first".
func Message(err error) string {
	msg := err.Error()
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			prefix := k.err.Error() + ": "
			if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
				return msg[len(prefix):]
			}
			return msg
		}
	}
	return msg
}
