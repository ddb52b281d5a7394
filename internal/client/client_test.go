package client

import (
	"errors"
	"fmt"
	"testing"

	"github.com/antonkrylov/devlink/internal/bootstrap"
	"github.com/antonkrylov/devlink/internal/reconnect"
	"github.com/antonkrylov/devlink/internal/session"
)

func TestServerRemoteAddr(t *testing.T) {
	cases := []struct {
		listeningOn string
		want        string
	}{
		{"37201", "127.0.0.1:37201"},
		{"127.0.0.1:37201", "127.0.0.1:37201"},
		{"/run/user/1000/devlink-server-abc.sock", "/run/user/1000/devlink-server-abc.sock"},
	}
	for _, tc := range cases {
		got := serverRemoteAddr(&bootstrap.InstallResult{ListeningOn: tc.listeningOn})
		if got != tc.want {
			t.Errorf("serverRemoteAddr(%q) = %q, want %q", tc.listeningOn, got, tc.want)
		}
	}
}

func TestClassifyPermanence(t *testing.T) {
	permanentErrs := []error{
		fmt.Errorf("connect: %w", session.ErrAuthFailed),
		&bootstrap.InstallError{Kind: bootstrap.ErrUnsupportedPlatform, ExitCode: 20},
		&bootstrap.InstallError{Kind: bootstrap.ErrUnsupportedArch, ExitCode: 21},
		fmt.Errorf("%w: 9000 bytes", bootstrap.ErrCommandTooLong),
		fmt.Errorf("%w: missing marker", bootstrap.ErrParse),
	}
	for _, err := range permanentErrs {
		if !errors.Is(classify(err), reconnect.ErrPermanent) {
			t.Errorf("classify(%v) should be permanent", err)
		}
	}

	transient := []error{
		fmt.Errorf("dial: %w", session.ErrUnreachable),
		fmt.Errorf("exec: %w", session.ErrTimeout),
		&bootstrap.InstallError{Kind: bootstrap.ErrInstallFailed, ExitCode: 1},
	}
	for _, err := range transient {
		if errors.Is(classify(err), reconnect.ErrPermanent) {
			t.Errorf("classify(%v) should stay retryable", err)
		}
	}
}
