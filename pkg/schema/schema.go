// Package schema defines the wire structures shared by the HTTP API, the CLI and the SDK.
package schema

// Credential headers understood by the HTTP API.
const (
	// HeaderAPIKey carries a tenant-scoped API key.
	HeaderAPIKey = "X-Api-Key"
	// HeaderPrincipal carries a caller-asserted principal. It is honoured only
	// when the server trusts it.
	HeaderPrincipal = "X-Principal"
	// HeaderRequestID correlates a request with server logs.
	HeaderRequestID = "X-Request-Id"
)

// CreateKeyRequest is the body of POST /admin/:tenant/keys.
type CreateKeyRequest struct {
	Owner string `json:"owner" binding:"required"`
}

// CreateKeyResponse returns a freshly issued API key. Token is shown once.
type CreateKeyResponse struct {
	Token   string `json:"token"`
	TokenID string `json:"tokenId"`
}

// RotateRootRequest is the body of POST /admin/:tenant/rotate-root.
type RotateRootRequest struct {
	NewRoot string `json:"newRoot" binding:"required"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// RootStatus describes a tenant's current root.
type RootStatus struct {
	Tenant string `json:"tenant"`
	Root   string `json:"root"`
}
