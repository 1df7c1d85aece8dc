package server

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/celerix-dev/celerix-kv/internal/kv"
	"github.com/celerix-dev/celerix-kv/pkg/engine"
)

const (
	defaultMaxConns = 100
	idleTimeout     = 30 * time.Second
	sessionTimeout  = 5 * time.Minute
)

// Router serves the line-oriented TCP protocol:
//
//	PING                          -> PONG
//	AUTH <tenant> <token>         -> OK <principal>
//	AS <principal>                -> OK <principal>   (trusted mode only)
//	WHOAMI                        -> OK <principal>
//	GET <tenant:ns> <key>         -> OK <json string>
//	PUT <tenant:ns> <key> <json>  -> OK
//	DUMP <tenant:ns>              -> OK <json object>
//	QUIT
//
// Any argument may be sent as a JSON string, which is how keys holding
// whitespace or control characters travel. The PUT value must be one.
// Failures are reported as "ERR <KIND> <message>".
type Router struct {
	store          *kv.Service
	cert           *tls.Certificate
	logger         *zap.Logger
	trustPrincipal bool
	maxConns       int

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

func NewRouter(s *kv.Service) *Router {
	return &Router{store: s, logger: zap.NewNop(), maxConns: defaultMaxConns}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// SetLogger replaces the router's logger.
func (r *Router) SetLogger(l *zap.Logger) {
	r.logger = l.With(zap.String("component", "tcp"))
}

// TrustPrincipal enables the AS command.
func (r *Router) TrustPrincipal(trust bool) {
	r.trustPrincipal = trust
}

// SetMaxConnections caps concurrent sessions.
func (r *Router) SetMaxConnections(n int) {
	if n > 0 {
		r.maxConns = n
	}
}

// Addr returns the bound address, or nil before Listen has bound.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Listen starts the TCP server and blocks until Stop is called.
func (r *Router) Listen(port string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}}
		listener, err = tls.Listen("tcp", ":"+port, config)
	} else {
		listener, err = net.Listen("tcp", ":"+port)
	}
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		listener.Close()
		return net.ErrClosed
	}
	r.listener = listener
	r.mu.Unlock()
	defer listener.Close()

	r.logger.Info("tcp listener started", zap.String("addr", listener.Addr().String()), zap.Bool("tls", r.cert != nil))

	semaphore := make(chan struct{}, r.maxConns)
	var backoff time.Duration

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, time.Second)
			}
			r.logger.Warn("accept failed", zap.Error(err), zap.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		// Wait for a free slot before spawning the session.
		semaphore <- struct{}{}
		conn.SetDeadline(time.Now().Add(sessionTimeout))

		go func(c net.Conn) {
			defer func() {
				<-semaphore
				c.Close()
			}()
			r.handleConnection(c)
		}(conn)
	}
}

// Stop closes the listener; in-flight sessions finish on their own deadlines.
func (r *Router) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.listener == nil {
		return nil
	}
	return r.listener.Close()
}

// session is the per-connection credential state.
type session struct {
	tenant    string // empty when the principal is not tenant-bound
	principal string
}

func (r *Router) handleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)
	var sess session

	for {
		conn.SetReadDeadline(time.Now().Add(idleTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		word, rest := line, ""
		if i := strings.IndexAny(line, " \t"); i >= 0 {
			word, rest = line[:i], line[i:]
		}
		command := strings.ToUpper(word)
		args, quoted, err := splitArgs(rest)
		if err != nil {
			replyErr(conn, err)
			continue
		}
		parts := append([]string{word}, args...)

		switch command {
		case "PING":
			fmt.Fprintln(conn, "PONG")

		case "QUIT":
			return

		case "AUTH":
			if len(parts) != 3 {
				replyErr(conn, usage("AUTH <tenant> <token>"))
				continue
			}
			principal, err := r.store.ResolvePrincipal(parts[1], parts[2])
			if err != nil {
				replyErr(conn, err)
				continue
			}
			sess = session{tenant: parts[1], principal: principal}
			fmt.Fprintln(conn, "OK", principal)

		case "AS":
			if len(parts) != 2 {
				replyErr(conn, usage("AS <principal>"))
				continue
			}
			if !r.trustPrincipal {
				replyErr(conn, fmt.Errorf("%w: asserted principals are not trusted", engine.ErrUnauthenticated))
				continue
			}
			sess = session{principal: parts[1]}
			fmt.Fprintln(conn, "OK", parts[1])

		case "WHOAMI":
			if sess.principal == "" {
				replyErr(conn, fmt.Errorf("%w: not authenticated", engine.ErrUnauthenticated))
				continue
			}
			fmt.Fprintln(conn, "OK", sess.principal)

		case "GET":
			if len(parts) != 3 {
				replyErr(conn, usage("GET <tenant:namespace> <key>"))
				continue
			}
			principal, err := sess.principalFor(parts[1])
			if err != nil {
				replyErr(conn, err)
				continue
			}
			val, err := r.store.Get(parts[1], parts[2], principal)
			if err != nil {
				replyErr(conn, err)
				continue
			}
			res, err := json.Marshal(val)
			if err != nil {
				replyErr(conn, err)
				continue
			}
			fmt.Fprintln(conn, "OK", string(res))

		case "DUMP":
			if len(parts) != 2 {
				replyErr(conn, usage("DUMP <tenant:namespace>"))
				continue
			}
			principal, err := sess.principalFor(parts[1])
			if err != nil {
				replyErr(conn, err)
				continue
			}
			data, err := r.store.Dump(parts[1], principal)
			if err != nil {
				replyErr(conn, err)
				continue
			}
			res, err := json.Marshal(data)
			if err != nil {
				replyErr(conn, err)
				continue
			}
			fmt.Fprintln(conn, "OK", string(res))

		case "PUT":
			if len(parts) != 4 {
				replyErr(conn, usage("PUT <tenant:namespace> <key> <json string>"))
				continue
			}
			if !quoted[2] {
				replyErr(conn, fmt.Errorf("%w: value must be a JSON string", engine.ErrBadRequest))
				continue
			}
			principal, err := sess.principalFor(parts[1])
			if err != nil {
				replyErr(conn, err)
				continue
			}
			if err := r.store.Put(parts[1], parts[2], parts[3], principal); err != nil {
				replyErr(conn, err)
				continue
			}
			fmt.Fprintln(conn, "OK")

		default:
			replyErr(conn, fmt.Errorf("%w: unknown command %s", engine.ErrBadRequest, command))
		}
	}
}

// splitArgs splits s on blanks. An argument starting with a double quote is
// decoded as one JSON string; quoted reports which arguments were.
func splitArgs(s string) (args []string, quoted []bool, err error) {
	for {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return args, quoted, nil
		}
		if s[0] == '"' {
			dec := json.NewDecoder(strings.NewReader(s))
			var v string
			if err := dec.Decode(&v); err != nil {
				return nil, nil, fmt.Errorf("%w: bad quoted argument: %v", engine.ErrBadRequest, err)
			}
			s = s[dec.InputOffset():]
			if s != "" && s[0] != ' ' && s[0] != '\t' {
				return nil, nil, fmt.Errorf("%w: quoted argument must be followed by a blank", engine.ErrBadRequest)
			}
			args = append(args, v)
			quoted = append(quoted, true)
			continue
		}
		end := strings.IndexAny(s, " \t")
		if end < 0 {
			end = len(s)
		}
		args = append(args, s[:end])
		quoted = append(quoted, false)
		s = s[end:]
	}
}

// principalFor returns the session principal if it may act on namespace.
// Key-authenticated sessions are bound to their tenant.
func (s session) principalFor(namespace string) (string, error) {
	if s.principal == "" {
		return "", fmt.Errorf("%w: AUTH first", engine.ErrUnauthenticated)
	}
	if s.tenant != "" {
		tenant, _, _ := strings.Cut(namespace, ":")
		if tenant != s.tenant {
			return "", fmt.Errorf("%w: session is authenticated for tenant %q", engine.ErrUnauthenticated, s.tenant)
		}
	}
	return s.principal, nil
}

func replyErr(conn net.Conn, err error) {
	msg := strings.NewReplacer("\r", " ", "\n", " ").Replace(engine.Message(err))
	fmt.Fprintln(conn, "ERR", engine.KindOf(err), msg)
}

func usage(u string) error {
	return fmt.Errorf("%w: usage: %s", engine.ErrBadRequest, u)
}
