package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ValueKind tags the arm of a Value.
type ValueKind int

const (
	// KindString marks a plain UTF-8 data value.
	KindString ValueKind = iota
	// KindCredential marks an API-key credential value.
	KindCredential
)

func (k ValueKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindCredential:
		return "credential"
	default:
		return "unknown"
	}
}

// Credential is the value stored for an API key in a tenant's key namespace.
// SecretHash never changes for a token id; revocation appends a copy with Active=false.
type Credential struct {
	SecretHash string `json:"secretHash"`
	Owner      string `json:"owner"`
	Active     bool   `json:"active"`
}

// Value is either a string or a Credential. The zero Value is the empty string.
type Value struct {
	kind ValueKind
	str  string
	cred Credential
}

// StringValue wraps a data value.
func StringValue(s string) Value { return Value{kind: KindString, str: s} }

// CredentialValue wraps a credential.
func CredentialValue(c Credential) Value { return Value{kind: KindCredential, cred: c} }

// Kind reports which arm is set.
func (v Value) Kind() ValueKind { return v.kind }

// Str returns the string arm.
func (v Value) Str() (string, bool) {
	return v.str, v.kind == KindString
}

// Credential returns the credential arm.
func (v Value) Credential() (Credential, bool) {
	return v.cred, v.kind == KindCredential
}

// MarshalJSON renders the string arm as a JSON string and the credential arm as an object.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindCredential {
		return json.Marshal(v.cred)
	}
	return json.Marshal(v.str)
}

// UnmarshalJSON accepts a JSON string or a well-formed credential object; anything else is rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return errors.New("empty value")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
		return nil
	case '{':
		var raw struct {
			SecretHash *string `json:"secretHash"`
			Owner      *string `json:"owner"`
			Active     *bool   `json:"active"`
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("credential: %w", err)
		}
		if raw.SecretHash == nil || *raw.SecretHash == "" {
			return errors.New("credential: missing secretHash")
		}
		if raw.Owner == nil || *raw.Owner == "" {
			return errors.New("credential: missing owner")
		}
		if raw.Active == nil {
			return errors.New("credential: missing active flag")
		}
		*v = CredentialValue(Credential{SecretHash: *raw.SecretHash, Owner: *raw.Owner, Active: *raw.Active})
		return nil
	default:
		return fmt.Errorf("value must be a string or credential object, got %q", truncate(data, 32))
	}
}

// Record is one line of a namespace log.
type Record struct {
	Key   string `json:"k"`
	Value Value  `json:"v"`
}

// EncodeRecord serialises r without a trailing newline.
func EncodeRecord(r Record) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord parses one log line. Both fields are required.
func DecodeRecord(line []byte) (Record, error) {
	var raw struct {
		K *string         `json:"k"`
		V json.RawMessage `json:"v"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Record{}, err
	}
	if raw.K == nil {
		return Record{}, errors.New("record has no string key")
	}
	if raw.V == nil {
		return Record{}, errors.New("record has no value")
	}
	var v Value
	if err := v.UnmarshalJSON(raw.V); err != nil {
		return Record{}, err
	}
	return Record{Key: *raw.K, Value: v}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
