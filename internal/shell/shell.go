// Package shell detects the remote command interpreter and OS family from a
// single probe, so script generation can be selected once per authority
// instead of branching throughout the bootstrap protocol.
package shell

import (
	"context"
	"strings"
	"sync"

	"github.com/antonkrylov/devlink/internal/session"
)

// Variant tags the remote command interpreter.
type Variant int

const (
	VariantBash Variant = iota
	VariantPowerShell
	VariantCmd
)

func (v Variant) String() string {
	switch v {
	case VariantPowerShell:
		return "powershell"
	case VariantCmd:
		return "cmd"
	default:
		return "bash"
	}
}

// OSFamily is a coarse hint; precise platform detection happens inside the
// install script.
type OSFamily string

const (
	OSLinux   OSFamily = "linux"
	OSDarwin  OSFamily = "macos"
	OSWindows OSFamily = "windows"
	OSUnknown OSFamily = "unknown"
)

// Detection is the classified probe outcome for one authority.
type Detection struct {
	Variant Variant
	OS      OSFamily
	// ViaBash marks a PowerShell target reached through a POSIX-ish wrapper
	// shell (MinGW/MSYS/Cygwin sshd defaults).
	ViaBash bool
	// Probe keeps the raw stdout for diagnostics.
	Probe string
}

const probeCommand = "uname -s -m"

// Adapter caches one detection per authority for the session's lifetime.
type Adapter struct {
	mu    sync.Mutex
	cache map[string]Detection
}

func NewAdapter() *Adapter {
	return &Adapter{cache: map[string]Detection{}}
}

// Detect probes the remote shell, classifying stdout/stderr signatures.
// The result is cached per authority.
func (a *Adapter) Detect(ctx context.Context, s *session.Session) (Detection, error) {
	key := s.Authority.Authority.String()
	a.mu.Lock()
	if d, ok := a.cache[key]; ok {
		a.mu.Unlock()
		return d, nil
	}
	a.mu.Unlock()

	res, err := s.Exec(ctx, probeCommand)
	if err != nil {
		return Detection{}, err
	}
	d := Classify(res.Stdout, res.Stderr)

	a.mu.Lock()
	a.cache[key] = d
	a.mu.Unlock()
	return d, nil
}

// Forget drops the cached detection, typically after a reconnect.
func (a *Adapter) Forget(s *session.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cache, s.Authority.Authority.String())
}

// FromPlatform maps a configured platform override onto a detection,
// bypassing the probe entirely. Unknown names report false.
func FromPlatform(platform string) (Detection, bool) {
	switch strings.ToLower(strings.TrimSpace(platform)) {
	case "linux", "alpine":
		return Detection{Variant: VariantBash, OS: OSLinux}, true
	case "macos":
		return Detection{Variant: VariantBash, OS: OSDarwin}, true
	case "windows":
		return Detection{Variant: VariantPowerShell, OS: OSWindows}, true
	}
	return Detection{}, false
}

// Classify maps probe output onto a shell variant and OS family.
//
// No stdout plus a cmd.exe "is not recognized as an internal or external
// command" signature selects Cmd. No stdout plus a command-not-found style
// exception selects PowerShell. Any other stdout is POSIX-like; MinGW/MSYS/
// Cygwin markers refine that to PowerShell routed through a bash wrapper.
func Classify(stdout, stderr string) Detection {
	out := strings.TrimSpace(stdout)
	errOut := stderr

	if out == "" {
		if strings.Contains(errOut, "is not recognized as an internal or external command") {
			return Detection{Variant: VariantCmd, OS: OSWindows}
		}
		if strings.Contains(errOut, "CommandNotFoundException") ||
			strings.Contains(errOut, "is not recognized as the name of a cmdlet") ||
			strings.Contains(errOut, "command not found") {
			return Detection{Variant: VariantPowerShell, OS: OSWindows}
		}
		return Detection{Variant: VariantBash, OS: OSUnknown}
	}

	upper := strings.ToUpper(out)
	if strings.Contains(upper, "MINGW") || strings.Contains(upper, "MSYS") || strings.Contains(upper, "CYGWIN") {
		return Detection{Variant: VariantPowerShell, OS: OSWindows, ViaBash: true, Probe: out}
	}

	d := Detection{Variant: VariantBash, Probe: out}
	switch {
	case strings.HasPrefix(out, "Linux"):
		d.OS = OSLinux
	case strings.HasPrefix(out, "Darwin"):
		d.OS = OSDarwin
	default:
		d.OS = OSUnknown
	}
	return d
}
