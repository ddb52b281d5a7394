package bootstrap

import (
	"errors"
	"fmt"
)

// Failure taxonomy for a bootstrap attempt. ParseError and the unsupported
// variants are never retried; InstallFailed carries remote output for
// diagnostics.
var (
	ErrUnsupportedPlatform = errors.New("unsupported remote platform")
	ErrUnsupportedArch     = errors.New("unsupported remote architecture")
	ErrCommandTooLong      = errors.New("serialized command exceeds the cmd.exe limit")
	ErrParse               = errors.New("install output parse error")
	ErrInstallFailed       = errors.New("remote install failed")
)

// Exit codes the generated scripts use to signal classified failures back to
// the client. Anything else nonzero is a plain install failure.
const (
	exitUnsupportedPlatform = 20
	exitUnsupportedArch     = 21
)

// InstallError wraps a classified failure with the captured remote output.
type InstallError struct {
	Kind     error
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("%v (exit %d)", e.Kind, e.ExitCode)
}

func (e *InstallError) Unwrap() error { return e.Kind }
