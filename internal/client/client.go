// Package client ties the pieces together: one Establish call takes an
// authority from nothing to a Ready link (transport, shell detection, server
// bootstrap, forwards), and Run keeps that link alive through reconnects.
package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antonkrylov/devlink/internal/authority"
	"github.com/antonkrylov/devlink/internal/bootstrap"
	"github.com/antonkrylov/devlink/internal/reconnect"
	"github.com/antonkrylov/devlink/internal/session"
	"github.com/antonkrylov/devlink/internal/shell"
	"github.com/antonkrylov/devlink/internal/tunnel"
)

// ForwardSpec is one requested static forward.
type ForwardSpec struct {
	LocalAddr  string
	RemoteAddr string
}

type Options struct {
	Authority      authority.Resolved
	Credentials    session.Credentials
	ConnectTimeout time.Duration
	Install        bootstrap.InstallOptions

	// PrimaryLocalAddr is where the server forward binds locally;
	// "127.0.0.1:0" when empty.
	PrimaryLocalAddr string
	Forwards         []ForwardSpec
	// DynamicAddr enables a SOCKS5 endpoint when non-empty.
	DynamicAddr string

	// PlatformOverride skips the shell probe for hosts whose platform is
	// pinned in the config.
	PlatformOverride string

	Reconnect reconnect.Options
}

type Client struct {
	sessions *session.Manager
	shells   *shell.Adapter
	boot     *bootstrap.Protocol
	tunnels  *tunnel.Manager
	log      *zap.Logger
}

func New(log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	sessions := session.NewManager(log)
	return &Client{
		sessions: sessions,
		shells:   shell.NewAdapter(),
		boot:     bootstrap.New(sessions, log),
		tunnels:  tunnel.NewManager(log),
		log:      log,
	}
}

// Sessions exposes the session manager for flows that bypass bootstrap.
func (c *Client) Sessions() *session.Manager { return c.sessions }

// Shells exposes the detection cache.
func (c *Client) Shells() *shell.Adapter { return c.shells }

// Bootstrap exposes the install protocol.
func (c *Client) Bootstrap() *bootstrap.Protocol { return c.boot }

// Tunnels exposes the forward manager.
func (c *Client) Tunnels() *tunnel.Manager { return c.tunnels }

// Connection is one fully established link. It satisfies reconnect.Link so
// the reconnector can probe and tear it down as a unit.
type Connection struct {
	Session   *session.Session
	Detection shell.Detection
	Install   *bootstrap.InstallResult

	// Primary forwards the bootstrapped server's listen endpoint.
	Primary  *tunnel.Forward
	Forwards []*tunnel.Forward
	Dynamic  *tunnel.Forward
}

func (conn *Connection) Probe(timeout time.Duration) error {
	return conn.Session.Probe(timeout)
}

// Close tears down the session, which closes every forward registered on it.
func (conn *Connection) Close() error {
	return conn.Session.Close()
}

// permanent marks failures the reconnector must not retry.
func permanent(err error) error {
	return fmt.Errorf("%w: %w", reconnect.ErrPermanent, err)
}

func isPermanent(err error) bool {
	return errors.Is(err, session.ErrAuthFailed) ||
		errors.Is(err, bootstrap.ErrUnsupportedPlatform) ||
		errors.Is(err, bootstrap.ErrUnsupportedArch) ||
		errors.Is(err, bootstrap.ErrCommandTooLong) ||
		errors.Is(err, bootstrap.ErrParse)
}

func classify(err error) error {
	if isPermanent(err) {
		return permanent(err)
	}
	return err
}

// Establish runs the full sequence once. Partial state is torn down on
// failure; only a Ready connection is ever returned.
func (c *Client) Establish(ctx context.Context, opts Options, report func(reconnect.State)) (*Connection, error) {
	if report == nil {
		report = func(reconnect.State) {}
	}

	report(reconnect.StateConnecting)
	report(reconnect.StateAuthenticating)
	sess, err := c.sessions.Connect(ctx, opts.Authority, opts.Credentials, opts.ConnectTimeout)
	if err != nil {
		return nil, classify(err)
	}
	conn := &Connection{Session: sess}
	ok := false
	defer func() {
		if !ok {
			c.sessions.Forget(opts.Authority.Authority)
			_ = sess.Close()
		}
	}()

	report(reconnect.StateBootstrapping)
	det, forced := shell.FromPlatform(opts.PlatformOverride)
	if !forced {
		det, err = c.shells.Detect(ctx, sess)
		if err != nil {
			return nil, classify(err)
		}
	}
	conn.Detection = det

	res, err := c.boot.Install(ctx, sess, det, opts.Install)
	if err != nil {
		return nil, classify(err)
	}
	conn.Install = res

	report(reconnect.StateTunneling)
	localAddr := opts.PrimaryLocalAddr
	if localAddr == "" {
		localAddr = "127.0.0.1:0"
	}
	primary, err := c.tunnels.Static(sess, localAddr, serverRemoteAddr(res))
	if err != nil {
		return nil, err
	}
	conn.Primary = primary

	for _, spec := range opts.Forwards {
		f, err := c.tunnels.Static(sess, spec.LocalAddr, spec.RemoteAddr)
		if err != nil {
			return nil, err
		}
		conn.Forwards = append(conn.Forwards, f)
	}
	if opts.DynamicAddr != "" {
		d, err := c.tunnels.Dynamic(sess, opts.DynamicAddr)
		if err != nil {
			return nil, err
		}
		conn.Dynamic = d
	}

	ok = true
	return conn, nil
}

// Reconnector wraps Establish for the keepalive loop. onReady sees each new
// connection, including replacements after a transport drop.
func (c *Client) Reconnector(opts Options, onReady func(*Connection)) *reconnect.Reconnector {
	establish := func(ctx context.Context, report func(reconnect.State)) (reconnect.Link, error) {
		conn, err := c.Establish(ctx, opts, report)
		if err != nil {
			return nil, err
		}
		if onReady != nil {
			onReady(conn)
		}
		return conn, nil
	}
	return reconnect.New(establish, opts.Reconnect, c.log)
}

// serverRemoteAddr converts the reported listen endpoint into a dialable
// remote address: a bare port becomes loopback TCP, a path stays a socket.
func serverRemoteAddr(res *bootstrap.InstallResult) string {
	if res.SocketPath() {
		return res.ListeningOn
	}
	if _, err := strconv.Atoi(res.ListeningOn); err == nil {
		return "127.0.0.1:" + res.ListeningOn
	}
	// already host:port
	if strings.Contains(res.ListeningOn, ":") {
		return res.ListeningOn
	}
	return "127.0.0.1:" + res.ListeningOn
}
