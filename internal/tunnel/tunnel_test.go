package tunnel

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeTransport dials locally, standing in for the remote side of a session.
type fakeTransport struct {
	mu      sync.Mutex
	closers []func() error
	dialErr error
}

func (t *fakeTransport) Dial(network, addr string) (net.Conn, error) {
	t.mu.Lock()
	err := t.dialErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return net.DialTimeout(network, addr, time.Second)
}

func (t *fakeTransport) Track(close func() error) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closers = append(t.closers, close)
	return func() {}
}

func (t *fakeTransport) setDialErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dialErr = err
}

// echoServer accepts connections and echoes until closed.
func echoServer(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
	t.Cleanup(func() { l.Close() })
	return l
}

func roundTrip(t *testing.T, conn net.Conn, msg string) string {
	t.Helper()
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatal(err)
	}
	return string(buf)
}

func TestStaticForward(t *testing.T) {
	echo := echoServer(t)
	tr := &fakeTransport{}
	m := NewManager(nil)

	f, err := m.Static(tr, "127.0.0.1:0", echo.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if f.CurrentState() != StateOpen {
		t.Fatalf("state = %v, want open", f.CurrentState())
	}
	if len(tr.closers) != 1 {
		t.Fatalf("forward not registered with transport")
	}

	conn, err := net.Dial("tcp", f.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if got := roundTrip(t, conn, "ping"); got != "ping" {
		t.Errorf("echo = %q", got)
	}
}

func TestStaticForwardBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer taken.Close()

	m := NewManager(nil)
	_, err = m.Static(&fakeTransport{}, taken.Addr().String(), "127.0.0.1:1")
	if !errors.Is(err, ErrForwardFailed) {
		t.Fatalf("err = %v, want ErrForwardFailed", err)
	}
}

func TestStaticForwardDialFailureIsolated(t *testing.T) {
	echo := echoServer(t)
	tr := &fakeTransport{}
	m := NewManager(nil)

	f, err := m.Static(tr, "127.0.0.1:0", echo.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	tr.setDialErr(errors.New("remote down"))
	conn, err := net.Dial("tcp", f.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("expected the failed connection to be closed")
	}
	conn.Close()

	// the listener survives a failed connection
	if f.CurrentState() != StateOpen {
		t.Fatalf("state = %v after per-conn failure", f.CurrentState())
	}
	tr.setDialErr(nil)
	conn2, err := net.Dial("tcp", f.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn2.Close()
	if got := roundTrip(t, conn2, "again"); got != "again" {
		t.Errorf("echo = %q", got)
	}
}

// teardownTransport invokes every tracked closer from another goroutine as
// soon as it is registered, like a session closing mid-registration.
type teardownTransport struct {
	fakeTransport
	wg sync.WaitGroup
}

func (t *teardownTransport) Track(close func() error) func() {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		_ = close()
	}()
	return func() {}
}

func TestStaticForwardConcurrentTeardown(t *testing.T) {
	m := NewManager(nil)
	tr := &teardownTransport{}
	f, err := m.Static(tr, "127.0.0.1:0", "127.0.0.1:1")
	if err != nil {
		t.Fatal(err)
	}
	tr.wg.Wait()

	if f.CurrentState() != StateClosed {
		t.Fatalf("state = %v after transport teardown", f.CurrentState())
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close after teardown: %v", err)
	}
}

func TestForwardCloseIdempotent(t *testing.T) {
	m := NewManager(nil)
	f, err := m.Static(&fakeTransport{}, "127.0.0.1:0", "127.0.0.1:1")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if f.CurrentState() != StateClosed {
		t.Fatalf("state = %v, want closed", f.CurrentState())
	}
}

// socksConnect performs a no-auth SOCKS5 CONNECT to an IPv4 target.
func socksConnect(t *testing.T, proxyAddr string, target *net.TCPAddr) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatal(err)
	}
	if resp[0] != 0x05 || resp[1] != 0x00 {
		t.Fatalf("method negotiation reply % x", resp)
	}

	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, target.IP.To4()...)
	req = binary.BigEndian.AppendUint16(req, uint16(target.Port))
	if _, err := conn.Write(req); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 4)
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatal(err)
	}
	if reply[1] != 0x00 {
		t.Fatalf("connect reply code %#x", reply[1])
	}
	// bound address: 4 or 16 bytes plus port
	skip := 4 + 2
	if reply[3] == 0x04 {
		skip = 16 + 2
	}
	if _, err := io.ReadFull(conn, make([]byte, skip)); err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Time{})
	return conn
}

func TestDynamicForward(t *testing.T) {
	echo := echoServer(t)
	tr := &fakeTransport{}
	m := NewManager(nil)

	f, err := m.Dynamic(tr, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	conn := socksConnect(t, f.Addr().String(), echo.Addr().(*net.TCPAddr))
	defer conn.Close()
	if got := roundTrip(t, conn, "through the proxy"); got != "through the proxy" {
		t.Errorf("echo = %q", got)
	}
}

func TestDynamicForwardDialFailureIsolated(t *testing.T) {
	echo := echoServer(t)
	tr := &fakeTransport{}
	m := NewManager(nil)

	f, err := m.Dynamic(tr, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	tr.setDialErr(fmt.Errorf("remote down"))
	conn, err := net.Dial("tcp", f.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	conn.Write([]byte{0x05, 0x01, 0x00})
	io.ReadFull(conn, make([]byte, 2))
	target := echo.Addr().(*net.TCPAddr)
	req := []byte{0x05, 0x01, 0x00, 0x01}
	req = append(req, target.IP.To4()...)
	req = binary.BigEndian.AppendUint16(req, uint16(target.Port))
	conn.Write(req)
	reply := make([]byte, 4)
	if _, err := io.ReadFull(conn, reply); err == nil && reply[1] == 0x00 {
		t.Error("expected a SOCKS failure reply")
	}
	conn.Close()

	// a second client succeeds once dialing recovers
	tr.setDialErr(nil)
	conn2 := socksConnect(t, f.Addr().String(), target)
	defer conn2.Close()
	if got := roundTrip(t, conn2, "ok"); got != "ok" {
		t.Errorf("echo = %q", got)
	}
}
