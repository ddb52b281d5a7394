package bootstrap

import (
	"strings"

	"github.com/google/uuid"
)

// Marker is the per-attempt correlation id delimiting the structured result
// block in remote stdout. Unique per attempt so concurrent or retried output
// cannot be confused.
type Marker string

func NewMarker() Marker {
	return Marker(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func (m Marker) Start() string { return string(m) + ": start" }
func (m Marker) End() string   { return string(m) + ": end" }

// InstallOptions is the immutable value describing one bootstrap attempt.
type InstallOptions struct {
	ID      Marker
	Quality string
	Version string
	Commit  string
	Release string

	Extensions   []string
	EnvVariables []string

	ListenOnSocket   bool
	ServerBinaryName string
	DataFolder       string

	// DownloadURLTemplate understands ${quality}, ${version}, ${commit},
	// ${os}, ${arch} and ${release}.
	DownloadURLTemplate string
}

const (
	defaultServerBinary = "devlink-server"
	defaultDataFolder   = ".devlink-server"
	defaultURLTemplate  = "https://releases.devlink.dev/${quality}/${commit}/server-${os}-${arch}.tar.gz"
)

// Normalize fills defaults and assigns a fresh marker when absent.
func (o InstallOptions) Normalize() InstallOptions {
	if o.ID == "" {
		o.ID = NewMarker()
	}
	if o.Quality == "" {
		o.Quality = "stable"
	}
	if o.ServerBinaryName == "" {
		o.ServerBinaryName = defaultServerBinary
	}
	if o.DataFolder == "" {
		o.DataFolder = defaultDataFolder
	}
	if o.DownloadURLTemplate == "" {
		o.DownloadURLTemplate = defaultURLTemplate
	}
	return o
}

// renderURL expands the template. osRef and archRef are shell/PowerShell
// variable references so the values detected remote-side are substituted
// there, not here.
func (o InstallOptions) renderURL(osRef, archRef string) string {
	r := strings.NewReplacer(
		"${quality}", o.Quality,
		"${version}", o.Version,
		"${commit}", o.Commit,
		"${release}", o.Release,
		"${os}", osRef,
		"${arch}", archRef,
	)
	return r.Replace(o.DownloadURLTemplate)
}

// InstallResult is the parsed connection descriptor a successful attempt
// produces.
type InstallResult struct {
	ExitCode        int
	ListeningOn     string
	ConnectionToken string
	LogFile         string
	OSReleaseID     string
	Arch            string
	Platform        string
	TmpDir          string
	Env             map[string]string
}

// SocketPath reports whether ListeningOn is a socket path rather than a port.
func (r InstallResult) SocketPath() bool {
	return strings.ContainsAny(r.ListeningOn, "/\\")
}
