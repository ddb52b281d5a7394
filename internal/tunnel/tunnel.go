// Package tunnel manages local listeners whose traffic rides an established
// SSH transport: static per-port forwards and a dynamic SOCKS5 proxy.
//
// A forward failing, at open time or per connection, never tears down the
// transport it rides on. The reverse does hold: closing the session closes
// every forward registered on it.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/armon/go-socks5"
	"go.uber.org/zap"
)

var ErrForwardFailed = errors.New("forward failed")

// Transport is the slice of a session a forward needs: remote dialing and
// lifecycle registration.
type Transport interface {
	Dial(network, addr string) (net.Conn, error)
	Track(close func() error) (release func())
}

type Kind int

const (
	KindStatic Kind = iota
	KindDynamic
)

func (k Kind) String() string {
	if k == KindDynamic {
		return "dynamic"
	}
	return "static"
}

type State int

const (
	StatePending State = iota
	StateOpen
	StateClosed
)

// Forward is one live listener. RemoteAddr is empty for dynamic forwards.
type Forward struct {
	Kind       Kind
	RemoteAddr string

	listener net.Listener
	log      *zap.Logger

	mu      sync.Mutex
	state   State
	release func()
}

type Manager struct {
	log *zap.Logger
}

func NewManager(log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{log: log}
}

// Static binds localAddr and forwards each accepted connection to remoteAddr
// on the far side of the transport. A remoteAddr containing a path separator
// is dialed as a unix socket; anything else as TCP.
func (m *Manager) Static(t Transport, localAddr, remoteAddr string) (*Forward, error) {
	f := &Forward{
		Kind:       KindStatic,
		RemoteAddr: remoteAddr,
		log:        m.log.With(zap.String("kind", "static"), zap.String("remote", remoteAddr)),
	}
	l, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrForwardFailed, localAddr, err)
	}
	f.open(t, l)

	go f.acceptLoop(func(conn net.Conn) {
		network := "tcp"
		if strings.ContainsAny(remoteAddr, "/\\") {
			network = "unix"
		}
		remote, err := t.Dial(network, remoteAddr)
		if err != nil {
			f.log.Warn("remote dial failed", zap.Error(err))
			_ = conn.Close()
			return
		}
		pipe(conn, remote)
	})

	f.log.Info("forward open", zap.String("local", l.Addr().String()))
	return f, nil
}

// Dynamic binds localAddr as a SOCKS5 endpoint whose outbound dials happen on
// the far side of the transport. Hostnames are passed through unresolved so
// DNS happens remotely.
func (m *Manager) Dynamic(t Transport, localAddr string) (*Forward, error) {
	f := &Forward{
		Kind: KindDynamic,
		log:  m.log.With(zap.String("kind", "dynamic")),
	}
	srv, err := socks5.New(&socks5.Config{
		Dial: func(_ context.Context, network, addr string) (net.Conn, error) {
			return t.Dial(network, addr)
		},
		Resolver: passthroughResolver{},
		Logger:   zap.NewStdLog(f.log),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: socks: %v", ErrForwardFailed, err)
	}
	l, err := net.Listen("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrForwardFailed, localAddr, err)
	}
	f.open(t, l)

	// Serve handles each connection in its own goroutine; one bad dial
	// answers that client with a SOCKS error and touches nothing else.
	go func() {
		_ = srv.Serve(l)
	}()

	f.log.Info("forward open", zap.String("local", l.Addr().String()))
	return f, nil
}

// passthroughResolver leaves FQDNs unresolved so the dial string keeps the
// hostname and resolution happens on the remote side.
type passthroughResolver struct{}

func (passthroughResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	return ctx, nil, nil
}

func (f *Forward) open(t Transport, l net.Listener) {
	// Track hands f.Close to the transport, which may invoke it from another
	// goroutine right away; release must be published under the same lock
	// Close reads it with.
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = l
	f.state = StateOpen
	f.release = t.Track(f.Close)
}

func (f *Forward) acceptLoop(serve func(net.Conn)) {
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		go serve(conn)
	}
}

// Addr is the bound local address, useful with port 0.
func (f *Forward) Addr() net.Addr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listener == nil {
		return nil
	}
	return f.listener.Addr()
}

func (f *Forward) CurrentState() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Close stops the listener. Idempotent; in-flight connections drain on their
// own.
func (f *Forward) Close() error {
	f.mu.Lock()
	if f.state == StateClosed {
		f.mu.Unlock()
		return nil
	}
	f.state = StateClosed
	l := f.listener
	release := f.release
	f.mu.Unlock()

	if release != nil {
		release()
	}
	if l != nil {
		return l.Close()
	}
	return nil
}

type halfCloser interface {
	CloseWrite() error
}

// pipe copies both directions and closes both ends when either side finishes.
func pipe(a, b net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	half := func(dst, src net.Conn) {
		defer wg.Done()
		_, _ = io.Copy(dst, src)
		if hc, ok := dst.(halfCloser); ok {
			_ = hc.CloseWrite()
		} else {
			_ = dst.Close()
		}
	}
	go half(a, b)
	go half(b, a)
	wg.Wait()
	_ = a.Close()
	_ = b.Close()
}
