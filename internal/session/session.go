// Package session owns the SSH transport for one remote authority: dialing,
// authentication, per-call exec channels multiplexed over the transport, and
// teardown of everything the session opened.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/antonkrylov/devlink/internal/authority"
)

// Connection failure taxonomy. Everything Connect returns wraps one of these.
var (
	ErrUnreachable = errors.New("host unreachable")
	ErrAuthFailed  = errors.New("authentication failed")
	ErrTimeout     = errors.New("operation timed out")
)

// State describes the transport lifecycle.
type State int32

const (
	StateOpen State = iota
	StateClosed
)

// Credentials carries everything needed to authenticate a transport.
// Password is a callback so interactive prompting happens at most once and
// only when key-based methods are exhausted.
type Credentials struct {
	PrivateKeyPath string
	Passphrase     []byte
	Password       func() (string, error)
	AgentSocket    string
	// ForwardAgent makes the local agent reachable from exec channels on
	// this transport. Requires AgentSocket.
	ForwardAgent bool
	KnownHosts   string
	InsecureHost bool
}

// ExecResult is the outcome of one completed exec channel.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Session is a live authenticated SSH transport for one authority. It owns
// every channel and forward opened through it; Close tears them all down.
type Session struct {
	Authority authority.Resolved

	client       *ssh.Client
	log          *zap.Logger
	forwardAgent bool

	mu      sync.Mutex
	state   State
	closers map[int]func() error
	nextID  int
}

// Manager hands out at most one live Session per authority and serializes
// connect/bootstrap critical sections per authority.
type Manager struct {
	log *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	locks    map[string]*sync.Mutex
}

func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		log:      log,
		sessions: map[string]*Session{},
		locks:    map[string]*sync.Mutex{},
	}
}

func (m *Manager) authorityLock(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Serialize runs fn inside the per-authority critical section. Bootstrap
// attempts go through here so two racing connections cannot double-spawn the
// remote process.
func (m *Manager) Serialize(auth authority.Authority, fn func() error) error {
	l := m.authorityLock(auth.String())
	l.Lock()
	defer l.Unlock()
	return fn()
}

// Lookup returns the live session for an authority, if any.
func (m *Manager) Lookup(auth authority.Authority) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[auth.String()]
	if s != nil && s.CurrentState() == StateOpen {
		return s
	}
	return nil
}

// Connect establishes an authenticated transport for the authority, reusing a
// live session when one exists. The whole dial+handshake is bounded by
// timeout; failures map onto ErrUnreachable, ErrAuthFailed or ErrTimeout.
func (m *Manager) Connect(ctx context.Context, auth authority.Resolved, creds Credentials, timeout time.Duration) (*Session, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	key := auth.Authority.String()
	lock := m.authorityLock(key)
	lock.Lock()
	defer lock.Unlock()

	if s := m.Lookup(auth.Authority); s != nil {
		return s, nil
	}

	client, err := dial(ctx, auth, creds, timeout)
	if err != nil {
		return nil, err
	}

	s := &Session{
		Authority: auth,
		client:    client,
		log:       m.log.With(zap.String("authority", key)),
		state:     StateOpen,
		closers:   map[int]func() error{},
	}
	if creds.ForwardAgent && creds.AgentSocket != "" {
		if aconn, aerr := net.Dial("unix", creds.AgentSocket); aerr == nil {
			if err := agent.ForwardToAgent(client, agent.NewClient(aconn)); err == nil {
				s.forwardAgent = true
				s.Track(aconn.Close)
			} else {
				_ = aconn.Close()
			}
		}
	}
	m.mu.Lock()
	m.sessions[key] = s
	m.mu.Unlock()
	s.log.Info("session established")

	// Drop the bookkeeping entry once the transport dies on its own. Only
	// this session's entry: a replacement may already be registered.
	go func() {
		_ = client.Wait()
		m.mu.Lock()
		if m.sessions[key] == s {
			delete(m.sessions, key)
		}
		m.mu.Unlock()
		_ = s.Close()
	}()
	return s, nil
}

// Forget removes the session for an authority from the manager's bookkeeping
// without closing it. Used when the transport already died.
func (m *Manager) Forget(auth authority.Authority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, auth.String())
}

func dial(ctx context.Context, auth authority.Resolved, creds Credentials, timeout time.Duration) (*ssh.Client, error) {
	methods, err := authMethods(creds)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(creds)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            auth.User,
		Auth:            methods,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}

	d := net.Dialer{Timeout: timeout}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := d.DialContext(dctx, "tcp", auth.Addr())
	if err != nil {
		if isTimeout(err) || dctx.Err() != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrTimeout, auth.Addr(), err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnreachable, auth.Addr(), err)
	}

	// The handshake has no context of its own; a conn deadline bounds it.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, auth.Addr(), cfg)
	if err != nil {
		_ = conn.Close()
		switch {
		case isAuthError(err):
			return nil, fmt.Errorf("%w: %s: %v", ErrAuthFailed, auth.Authority.String(), err)
		case isTimeout(err):
			return nil, fmt.Errorf("%w: handshake with %s: %v", ErrTimeout, auth.Addr(), err)
		default:
			return nil, fmt.Errorf("%w: handshake with %s: %v", ErrUnreachable, auth.Addr(), err)
		}
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func authMethods(creds Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if sock := creds.AgentSocket; sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if p := creds.PrivateKeyPath; p != "" {
		pem, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read private key %s: %w", p, err)
		}
		var signer ssh.Signer
		if len(creds.Passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, creds.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", p, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if creds.Password != nil {
		methods = append(methods, ssh.PasswordCallback(creds.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no usable credentials (key, agent or password)", ErrAuthFailed)
	}
	return methods, nil
}

func hostKeyCallback(creds Credentials) (ssh.HostKeyCallback, error) {
	if creds.InsecureHost || creds.KnownHosts == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if _, err := os.Stat(creds.KnownHosts); err != nil {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	return knownhosts.New(creds.KnownHosts)
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unable to authenticate") ||
		strings.Contains(msg, "permission denied") ||
		strings.Contains(msg, "no supported methods remain")
}

func isTimeout(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err)
}

// CurrentState reports whether the transport is still usable.
func (s *Session) CurrentState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Client exposes the underlying transport for forward dialing.
func (s *Session) Client() *ssh.Client {
	return s.client
}

// Dial opens a connection on the remote side of the transport.
func (s *Session) Dial(network, addr string) (net.Conn, error) {
	if s.CurrentState() != StateOpen {
		return nil, fmt.Errorf("%w: session closed", ErrUnreachable)
	}
	return s.client.Dial(network, addr)
}

// Track registers a closer (an open forward, a streaming channel) with the
// session; Close invokes it. The returned release detaches it again.
func (s *Session) Track(close func() error) (release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	if s.closers == nil {
		s.closers = map[int]func() error{}
	}
	s.closers[id] = close
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.closers, id)
	}
}

// Exec runs a command to completion over a fresh multiplexed channel.
// Cancellation of ctx tears down this channel only; concurrent Exec calls on
// the same session are unaffected.
func (s *Session) Exec(ctx context.Context, command string) (ExecResult, error) {
	return s.exec(ctx, command, "")
}

// ExecStdin is Exec with the given input piped to the remote command.
func (s *Session) ExecStdin(ctx context.Context, command, stdin string) (ExecResult, error) {
	return s.exec(ctx, command, stdin)
}

func (s *Session) exec(ctx context.Context, command, stdin string) (ExecResult, error) {
	if s.CurrentState() != StateOpen {
		return ExecResult{}, fmt.Errorf("%w: session closed", ErrUnreachable)
	}
	ch, err := s.client.NewSession()
	if err != nil {
		return ExecResult{}, fmt.Errorf("open exec channel: %w", err)
	}
	release := s.Track(ch.Close)
	defer release()
	if s.forwardAgent {
		_ = agent.RequestAgentForwarding(ch)
	}

	var stdout, stderr bytes.Buffer
	ch.Stdout = &stdout
	ch.Stderr = &stderr
	if stdin != "" {
		ch.Stdin = strings.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- ch.Run(command) }()

	select {
	case <-ctx.Done():
		_ = ch.Close()
		<-done
		return ExecResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1},
			fmt.Errorf("%w: exec %q: %v", ErrTimeout, command, ctx.Err())
	case err := <-done:
		res := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("exec %q: %w", command, err)
		}
		return res, nil
	}
}

// ErrStreamEnded reports that the remote command finished before the
// ExecUntil predicate ever held.
var ErrStreamEnded = errors.New("stream ended before predicate matched")

// ExecUntil starts a command and yields accumulated stdout, resolving the
// first time predicate(stdout) holds. The channel is torn down on resolution
// regardless of process completion. Needed for remote flows that emit
// progressive status before (or instead of) exiting.
func (s *Session) ExecUntil(ctx context.Context, command string, predicate func(string) bool) (string, error) {
	if s.CurrentState() != StateOpen {
		return "", fmt.Errorf("%w: session closed", ErrUnreachable)
	}
	ch, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("open exec channel: %w", err)
	}
	release := s.Track(ch.Close)
	defer release()
	defer ch.Close()
	if s.forwardAgent {
		_ = agent.RequestAgentForwarding(ch)
	}

	pipe, err := ch.StdoutPipe()
	if err != nil {
		return "", err
	}
	if err := ch.Start(command); err != nil {
		return "", fmt.Errorf("start %q: %w", command, err)
	}

	type chunk struct {
		data []byte
		err  error
	}
	chunks := make(chan chunk, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, rerr := pipe.Read(buf)
			if n > 0 {
				select {
				case chunks <- chunk{data: append([]byte(nil), buf[:n]...)}:
				case <-stop:
					return
				}
			}
			if rerr != nil {
				select {
				case chunks <- chunk{err: rerr}:
				case <-stop:
				}
				return
			}
		}
	}()

	var acc strings.Builder
	for {
		select {
		case <-ctx.Done():
			return acc.String(), fmt.Errorf("%w: exec-until %q: %v", ErrTimeout, command, ctx.Err())
		case c := <-chunks:
			if len(c.data) > 0 {
				acc.Write(c.data)
				if predicate(acc.String()) {
					return acc.String(), nil
				}
			}
			if c.err != nil {
				if errors.Is(c.err, io.EOF) && predicate(acc.String()) {
					return acc.String(), nil
				}
				return acc.String(), fmt.Errorf("%w: %q", ErrStreamEnded, command)
			}
		}
	}
}

// Probe checks transport liveness with an OpenSSH keepalive request.
func (s *Session) Probe(timeout time.Duration) error {
	if s.CurrentState() != StateOpen {
		return fmt.Errorf("%w: session closed", ErrUnreachable)
	}
	done := make(chan error, 1)
	go func() {
		_, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: keepalive: %v", ErrUnreachable, err)
		}
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: keepalive after %s", ErrTimeout, timeout)
	}
}

// Close terminates the transport and everything opened through it. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	closers := make([]func() error, 0, len(s.closers))
	for _, f := range s.closers {
		closers = append(closers, f)
	}
	s.closers = nil
	s.mu.Unlock()

	var result error
	for _, f := range closers {
		if err := f(); err != nil && !errors.Is(err, io.EOF) {
			result = multierror.Append(result, err)
		}
	}
	if err := s.client.Close(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, err)
	}
	s.log.Info("session closed")
	return result
}
