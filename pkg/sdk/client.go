// Package sdk provides the client-side library for the Celerix KV store.
// It supports remote connections via TCP/TLS and a local embedded mode.
package sdk

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-kv/pkg/engine"
)

const maxAttempts = 3

// Option configures a Client.
type Option func(*Client)

// WithoutTLS dials plain TCP.
func WithoutTLS() Option {
	return func(c *Client) { c.tlsConfig = nil }
}

// WithTLSConfig replaces the default TLS configuration, which accepts the
// daemon's self-signed certificate.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.tlsConfig = cfg }
}

// WithLogger reports reconnect attempts to l.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l.With(zap.String("component", "sdk")) }
}

// WithDialTimeout bounds each dial.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// Client is a remote client for the Celerix KV daemon.
// It implements the Store interface.
type Client struct {
	addr        string
	tlsConfig   *tls.Config
	logger      *zap.Logger
	dialTimeout time.Duration

	mu     sync.Mutex // Protects concurrent access to the connection
	conn   net.Conn
	reader *bufio.Reader
	// credential is replayed on every new connection
	credential string
}

// Connect establishes a TLS-encrypted connection to a remote daemon.
// If CELERIX_DISABLE_TLS is set to "true", it falls back to plain TCP.
func Connect(addr string, opts ...Option) (*Client, error) {
	c := &Client{
		addr:        addr,
		tlsConfig:   &tls.Config{InsecureSkipVerify: true}, // the daemon uses a self-signed cert
		logger:      zap.NewNop(),
		dialTimeout: 10 * time.Second,
	}
	if os.Getenv("CELERIX_DISABLE_TLS") == "true" {
		c.tlsConfig = nil
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	var conn net.Conn
	var err error

	dialer := &net.Dialer{
		Timeout:   c.dialTimeout,
		KeepAlive: 60 * time.Second,
	}

	if c.tlsConfig == nil {
		conn, err = dialer.Dial("tcp", c.addr)
	} else {
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, c.tlsConfig)
	}
	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)

	if c.credential != "" {
		if _, err := c.roundTrip(c.credential); err != nil {
			c.conn.Close()
			c.conn = nil
			return fmt.Errorf("replay credential: %w", err)
		}
	}
	return nil
}

// roundTrip writes one command and reads one reply on the current connection.
// A server-side ERR reply is returned as a *remoteError.
func (c *Client) roundTrip(cmd string) (string, error) {
	c.conn.SetDeadline(time.Now().Add(30 * time.Second))

	if _, err := fmt.Fprint(c.conn, cmd+"\n"); err != nil {
		return "", err
	}
	resp, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	resp = strings.TrimSpace(resp)
	if rest, ok := strings.CutPrefix(resp, "ERR "); ok {
		kind, msg, _ := strings.Cut(rest, " ")
		return "", &remoteError{err: engine.FromKind(kind, msg)}
	}
	return resp, nil
}

// remoteError marks a reply the server produced, as opposed to a transport failure.
type remoteError struct{ err error }

func (e *remoteError) Error() string { return e.err.Error() }
func (e *remoteError) Unwrap() error { return e.err }

// Internal helper for TCP communication
func (c *Client) sendAndReceive(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error

	// Try up to 3 times with backoff
	for i := 0; i < maxAttempts; i++ {
		if c.conn == nil {
			if reconnectErr := c.reconnect(); reconnectErr != nil {
				err = fmt.Errorf("reconnect failed: %w", reconnectErr)
				var remote *remoteError
				if errors.As(reconnectErr, &remote) {
					// the stored credential is no longer accepted
					return "", remote.err
				}
				time.Sleep(time.Duration(i*100) * time.Millisecond)
				continue
			}
		}

		var resp string
		resp, err = c.roundTrip(cmd)
		if err == nil {
			return resp, nil
		}
		var remote *remoteError
		if errors.As(err, &remote) {
			return "", remote.err
		}

		c.logger.Warn("request failed, reconnecting", zap.Int("attempt", i+1), zap.Error(err))

		// Force a reconnect on the next iteration
		if closeErr := c.reconnect(); closeErr != nil {
			c.logger.Warn("reconnect failed", zap.Error(closeErr))
		}

		time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
	}

	return "", fmt.Errorf("failed after %d attempts. last error: %w", maxAttempts, err)
}

// Ping checks that the daemon answers.
func (c *Client) Ping() error {
	resp, err := c.sendAndReceive("PING")
	if err != nil {
		return err
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected reply %q", resp)
	}
	return nil
}

// Auth authenticates the session with an API key of tenant and returns the
// key's owner. The credential is replayed after reconnects.
func (c *Client) Auth(tenant, token string) (string, error) {
	cmd := fmt.Sprintf("AUTH %s %s", tenant, token)
	resp, err := c.sendAndReceive(cmd)
	if err != nil {
		return "", err
	}
	c.remember(cmd)
	return strings.TrimPrefix(resp, "OK "), nil
}

// As asserts principal for the session. The daemon only accepts this when it
// trusts asserted principals.
func (c *Client) As(principal string) error {
	cmd := "AS " + principal
	if _, err := c.sendAndReceive(cmd); err != nil {
		return err
	}
	c.remember(cmd)
	return nil
}

func (c *Client) remember(cmd string) {
	c.mu.Lock()
	c.credential = cmd
	c.mu.Unlock()
}

// WhoAmI returns the session principal.
func (c *Client) WhoAmI() (string, error) {
	resp, err := c.sendAndReceive("WHOAMI")
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(resp, "OK "), nil
}

// Get returns the current value of key in namespace ("tenant:name").
func (c *Client) Get(namespace, key string) (string, error) {
	args, err := encodeArgs(namespace, key)
	if err != nil {
		return "", err
	}
	resp, err := c.sendAndReceive("GET " + args)
	if err != nil {
		return "", err
	}
	var val string
	if err := json.Unmarshal([]byte(strings.TrimPrefix(resp, "OK ")), &val); err != nil {
		return "", fmt.Errorf("decode reply: %w", err)
	}
	return val, nil
}

// Dump returns the current value of every key in namespace.
func (c *Client) Dump(namespace string) (map[string]string, error) {
	args, err := encodeArgs(namespace)
	if err != nil {
		return nil, err
	}
	resp, err := c.sendAndReceive("DUMP " + args)
	if err != nil {
		return nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(strings.TrimPrefix(resp, "OK ")), &data); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return data, nil
}

// Put appends key=value to namespace.
func (c *Client) Put(namespace, key, value string) error {
	args, err := encodeArgs(namespace, key, value)
	if err != nil {
		return err
	}
	_, err = c.sendAndReceive("PUT " + args)
	return err
}

// encodeArgs checks namespace and renders it followed by each string as a
// JSON string argument, so no key or value can break the line framing.
func encodeArgs(namespace string, strs ...string) (string, error) {
	if _, err := engine.ParseNamespace(namespace); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(namespace)
	for _, s := range strs {
		if !utf8.ValidString(s) {
			return "", fmt.Errorf("%w: %q is not valid UTF-8", engine.ErrBadRequest, s)
		}
		quoted, err := json.Marshal(s)
		if err != nil {
			return "", err
		}
		b.WriteByte(' ')
		b.Write(quoted)
	}
	return b.String(), nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Namespace returns a scope pinned to one namespace.
func (c *Client) Namespace(namespace string) Scope {
	return &namespaceScope{store: c, namespace: namespace}
}
