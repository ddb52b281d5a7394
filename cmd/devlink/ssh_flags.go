package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/antonkrylov/devlink/internal/authority"
	cliconfig "github.com/antonkrylov/devlink/internal/cli/config"
	"github.com/antonkrylov/devlink/internal/session"
)

// sshFlags carries transport-level options shared by every command that opens
// a session.
type sshFlags struct {
	identity        string
	knownHosts      string
	insecureHostKey bool
	noAgent         bool
	forwardAgent    bool
	askPassword     bool
	timeout         time.Duration
}

func (f *sshFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.identity, "identity", "i", "", "private key file (falls back to ssh_config IdentityFile, then the agent)")
	cmd.Flags().StringVar(&f.knownHosts, "known-hosts", "", "known_hosts file for host key verification (default ~/.ssh/known_hosts)")
	cmd.Flags().BoolVar(&f.insecureHostKey, "insecure-host-key", false, "skip host key verification")
	cmd.Flags().BoolVar(&f.noAgent, "no-agent", false, "do not try the ssh agent")
	cmd.Flags().BoolVar(&f.forwardAgent, "forward-agent", false, "make the local ssh agent reachable from remote commands")
	cmd.Flags().BoolVar(&f.askPassword, "password", false, "prompt for a password when key methods fail")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "connect timeout; defaults to config or 60s")
}

// resolveAuthority picks the target from the positional arg, falling back to
// the selected context's sshHost, then applies ssh_config.
func resolveAuthority(root *rootOptions, args []string) (authority.Resolved, error) {
	target := ""
	if len(args) > 0 {
		target = strings.TrimSpace(args[0])
	}
	if target == "" && root.context != nil {
		target = strings.TrimSpace(root.context.SSHHost)
	}
	if target == "" {
		return authority.Resolved{}, fmt.Errorf("host is required (pass user@host or set sshHost in the context)")
	}
	auth, err := authority.Parse(target)
	if err != nil {
		return authority.Resolved{}, err
	}
	return authority.Resolve(auth), nil
}

func (f *sshFlags) credentials(root *rootOptions, resolved authority.Resolved) session.Credentials {
	creds := session.Credentials{
		PrivateKeyPath: f.identity,
		KnownHosts:     f.knownHosts,
		InsecureHost:   f.insecureHostKey,
	}
	if creds.PrivateKeyPath == "" {
		creds.PrivateKeyPath = resolved.IdentityFile
	}
	if !f.noAgent {
		creds.AgentSocket = os.Getenv("SSH_AUTH_SOCK")
		creds.ForwardAgent = f.forwardAgent
		if !creds.ForwardAgent && root.context != nil {
			creds.ForwardAgent = root.context.AgentForwarding
		}
	}
	if f.askPassword {
		user, host := resolved.User, resolved.Host
		creds.Password = func() (string, error) {
			fmt.Fprintf(os.Stderr, "%s@%s password: ", user, host)
			b, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return "", err
			}
			return string(b), nil
		}
	}
	return creds
}

func (f *sshFlags) connectTimeout(root *rootOptions) time.Duration {
	if f.timeout > 0 {
		return f.timeout
	}
	if root.context != nil {
		return root.context.ConnectTimeout()
	}
	return cliconfig.DefaultConnectTimeout
}
