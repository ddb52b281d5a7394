package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gliderssh "github.com/gliderlabs/ssh"

	"github.com/antonkrylov/devlink/internal/authority"
	"github.com/antonkrylov/devlink/internal/session"
	"github.com/antonkrylov/devlink/internal/shell"
)

// startServer runs an in-process sshd with a scripted exec handler.
func startServer(t *testing.T, handler gliderssh.Handler) *session.Session {
	t.Helper()
	srv := &gliderssh.Server{
		Handler: handler,
		PasswordHandler: func(ctx gliderssh.Context, pass string) bool {
			return pass == "pw"
		},
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(l) }()
	t.Cleanup(func() { _ = srv.Close() })

	auth := authority.Resolved{Authority: authority.Authority{
		User: "dev", Host: "127.0.0.1", Port: l.Addr().(*net.TCPAddr).Port,
	}}
	creds := session.Credentials{
		Password:     func() (string, error) { return "pw", nil },
		InsecureHost: true,
	}
	m := session.NewManager(nil)
	s, err := m.Connect(context.Background(), auth, creds, 5*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func bashDetection() shell.Detection {
	return shell.Detection{Variant: shell.VariantBash, OS: shell.OSLinux}
}

func TestInstallParsesSuccessBlock(t *testing.T) {
	opts := testOptions()
	handler := func(s gliderssh.Session) {
		if !strings.HasPrefix(s.RawCommand(), "sh -c ") {
			fmt.Fprintln(s.Stderr(), "unexpected command")
			_ = s.Exit(127)
			return
		}
		fmt.Fprintln(s, "Last login: Mon Aug 24 10:00:01")
		fmt.Fprint(s, RenderBlock(opts.ID, map[string]string{
			"exitCode":        "0",
			"listeningOn":     "40123",
			"connectionToken": "tok-123",
			"logFile":         "/home/dev/.devlink-server/.abc123.log",
			"osReleaseId":     "debian",
			"arch":            "x64",
			"platform":        "linux",
			"tmpDir":          "/tmp",
			"NVM_DIR":         "/home/dev/.nvm",
		}, []string{"exitCode"}))
	}
	sess := startServer(t, handler)
	p := New(session.NewManager(nil), nil)

	opts.EnvVariables = []string{"NVM_DIR"}
	res, err := p.Install(context.Background(), sess, bashDetection(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.ListeningOn != "40123" || res.ConnectionToken != "tok-123" {
		t.Errorf("result = %+v", res)
	}
	if res.Platform != "linux" || res.Arch != "x64" || res.OSReleaseID != "debian" {
		t.Errorf("platform fields = %+v", res)
	}
	if res.Env["NVM_DIR"] != "/home/dev/.nvm" {
		t.Errorf("env = %v", res.Env)
	}
	if res.SocketPath() {
		t.Error("a bare port is not a socket path")
	}
}

func TestInstallUnsupportedPlatform(t *testing.T) {
	opts := testOptions()
	handler := func(s gliderssh.Session) {
		fmt.Fprintln(s, "unsupported platform: SunOS")
		fmt.Fprint(s, RenderBlock(opts.ID, map[string]string{"exitCode": "20"}, nil))
		_ = s.Exit(20)
	}
	sess := startServer(t, handler)
	p := New(session.NewManager(nil), nil)

	_, err := p.Install(context.Background(), sess, bashDetection(), opts)
	if !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("err = %v, want ErrUnsupportedPlatform", err)
	}
	var ie *InstallError
	if !errors.As(err, &ie) || !strings.Contains(ie.Stdout, "SunOS") {
		t.Errorf("captured output missing: %+v", ie)
	}
}

func TestInstallFailureCarriesOutput(t *testing.T) {
	opts := testOptions()
	handler := func(s gliderssh.Session) {
		fmt.Fprintln(s, "server did not report a listen address; log follows")
		fmt.Fprintln(s, "Error: EACCES")
		fmt.Fprint(s, RenderBlock(opts.ID, map[string]string{"exitCode": "1"}, nil))
		_ = s.Exit(1)
	}
	sess := startServer(t, handler)
	p := New(session.NewManager(nil), nil)

	_, err := p.Install(context.Background(), sess, bashDetection(), opts)
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("err = %v, want ErrInstallFailed", err)
	}
	var ie *InstallError
	if !errors.As(err, &ie) || !strings.Contains(ie.Stdout, "EACCES") {
		t.Errorf("remote output not captured: %+v", ie)
	}
}

func TestInstallGarbageOutputIsParseError(t *testing.T) {
	handler := func(s gliderssh.Session) {
		fmt.Fprintln(s, "motd only, no block")
	}
	sess := startServer(t, handler)
	p := New(session.NewManager(nil), nil)

	_, err := p.Install(context.Background(), sess, bashDetection(), testOptions())
	if !errors.Is(err, ErrParse) {
		t.Fatalf("err = %v, want ErrParse", err)
	}
}

func TestInstallCmdTooLongOpensNoChannel(t *testing.T) {
	var channels atomic.Int32
	handler := func(s gliderssh.Session) {
		channels.Add(1)
	}
	sess := startServer(t, handler)
	p := New(session.NewManager(nil), nil)

	opts := testOptions()
	for i := 0; i < 400; i++ {
		opts.Extensions = append(opts.Extensions, "publisher.some-extension-name")
	}
	_, err := p.Install(context.Background(), sess, shell.Detection{Variant: shell.VariantCmd, OS: shell.OSWindows}, opts)
	if !errors.Is(err, ErrCommandTooLong) {
		t.Fatalf("err = %v, want ErrCommandTooLong", err)
	}
	if channels.Load() != 0 {
		t.Errorf("opened %d exec channels; the guard must fire first", channels.Load())
	}
}

func TestInstallCmdStopsAtEndMarker(t *testing.T) {
	opts := testOptions()
	handler := func(s gliderssh.Session) {
		fmt.Fprint(s, RenderBlock(opts.ID, map[string]string{
			"exitCode":    "0",
			"listeningOn": "50500",
		}, nil))
		// a spawned daemon keeps the channel open; the client must not wait
		time.Sleep(5 * time.Second)
	}
	sess := startServer(t, handler)
	p := New(session.NewManager(nil), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := p.Install(ctx, sess, shell.Detection{Variant: shell.VariantCmd, OS: shell.OSWindows}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.ListeningOn != "50500" {
		t.Errorf("result = %+v", res)
	}
}
