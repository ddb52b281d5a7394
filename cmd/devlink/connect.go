package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/devlink/internal/bootstrap"
	cliconfig "github.com/antonkrylov/devlink/internal/cli/config"
	"github.com/antonkrylov/devlink/internal/client"
	"github.com/antonkrylov/devlink/internal/reconnect"
)

type connectFlags struct {
	ssh sshFlags

	quality     string
	version     string
	commit      string
	release     string
	extensions  []string
	envVars     []string
	socket      bool
	serverBin   string
	dataFolder  string
	downloadURL string

	localAddr   string
	forwards    []string
	dynamicAddr string

	writeConfig bool
}

func newConnectCmd(root *rootOptions) *cobra.Command {
	var f connectFlags
	cmd := &cobra.Command{
		Use:   "connect [user@host]",
		Short: "Connect to a host, bootstrap the server and hold tunnels open",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveAuthority(root, args)
			if err != nil {
				return err
			}
			if strings.TrimSpace(f.commit) == "" {
				return fmt.Errorf("--commit is required (the server build to install)")
			}
			forwards, err := parseForwards(f.forwards)
			if err != nil {
				return err
			}

			opts := client.Options{
				Authority:        resolved,
				Credentials:      f.ssh.credentials(root, resolved),
				ConnectTimeout:   f.ssh.connectTimeout(root),
				Install:          f.installOptions(root),
				PrimaryLocalAddr: f.localAddr,
				Forwards:         forwards,
				DynamicAddr:      f.dynamicAddr,
			}
			if opts.DynamicAddr == "" && root.context != nil && root.context.DynamicForwarding {
				opts.DynamicAddr = "127.0.0.1:0"
			}
			if root.context != nil {
				opts.PlatformOverride = root.context.PlatformFor(resolved.Host)
			}
			// Backoff between attempts never exceeds the connect timeout.
			opts.Reconnect.MaxBackoff = opts.ConnectTimeout

			if f.writeConfig {
				if err := writeContext(root, resolved.Authority.String(), &f); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "[devlink] wrote context for %s to %s\n", resolved.Authority.String(), root.configPath)
			}

			c := client.New(root.log)
			r := c.Reconnector(opts, func(conn *client.Connection) {
				fmt.Fprintf(os.Stdout, "[devlink] server %s (%s/%s) via %s\n",
					conn.Install.ListeningOn, conn.Install.Platform, conn.Install.Arch, conn.Detection.Variant)
				fmt.Fprintf(os.Stdout, "[devlink] local endpoint %s\n", conn.Primary.Addr())
				for _, fw := range conn.Forwards {
					fmt.Fprintf(os.Stdout, "[devlink] forward %s -> %s\n", fw.Addr(), fw.RemoteAddr)
				}
				if conn.Dynamic != nil {
					fmt.Fprintf(os.Stdout, "[devlink] socks5 proxy %s\n", conn.Dynamic.Addr())
				}
			})
			r.OnStateChange(func(s reconnect.State) {
				fmt.Fprintf(os.Stdout, "[devlink] %s\n", s)
			})

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return r.Run(ctx)
		},
	}
	cmd.SilenceUsage = true

	f.ssh.bind(cmd)
	cmd.Flags().StringVar(&f.quality, "quality", "stable", "server release quality")
	cmd.Flags().StringVar(&f.version, "server-version", "", "server version string for the download URL")
	cmd.Flags().StringVar(&f.commit, "commit", "", "server build commit; install dir and reuse are keyed by it")
	cmd.Flags().StringVar(&f.release, "release", "", "server release identifier for the download URL")
	cmd.Flags().StringArrayVar(&f.extensions, "install-extension", nil, "extension to install server-side (repeatable)")
	cmd.Flags().StringArrayVar(&f.envVars, "forward-env", nil, "remote environment variable to report back (repeatable)")
	cmd.Flags().BoolVar(&f.socket, "listen-on-socket", false, "server listens on a unix socket instead of a loopback port")
	cmd.Flags().StringVar(&f.serverBin, "server-binary", "", "server entry script name (default devlink-server)")
	cmd.Flags().StringVar(&f.dataFolder, "data-folder", "", "remote data folder (default .devlink-server)")
	cmd.Flags().StringVar(&f.downloadURL, "download-url", "", "download URL template; ${quality} ${version} ${commit} ${os} ${arch} ${release} expand")
	cmd.Flags().StringVar(&f.localAddr, "local-addr", "", "local bind for the server forward (default 127.0.0.1:0)")
	cmd.Flags().StringArrayVarP(&f.forwards, "forward", "L", nil, "static forward local[:port]=remote[:port] (repeatable)")
	cmd.Flags().StringVarP(&f.dynamicAddr, "dynamic", "D", "", "bind a SOCKS5 proxy whose dials happen remote-side")
	cmd.Flags().BoolVar(&f.writeConfig, "write-config", false, "persist this host as a context in the config file")
	return cmd
}

// installOptions merges flags over the selected context's defaults.
func (f *connectFlags) installOptions(root *rootOptions) bootstrap.InstallOptions {
	opts := bootstrap.InstallOptions{
		Quality:             f.quality,
		Version:             f.version,
		Commit:              f.commit,
		Release:             f.release,
		Extensions:          f.extensions,
		EnvVariables:        f.envVars,
		ListenOnSocket:      f.socket,
		ServerBinaryName:    f.serverBin,
		DataFolder:          f.dataFolder,
		DownloadURLTemplate: f.downloadURL,
	}
	if c := root.context; c != nil {
		opts.Extensions = append(append([]string{}, c.DefaultExtensions...), opts.Extensions...)
		opts.EnvVariables = append(append([]string{}, c.EnvVariables...), opts.EnvVariables...)
		if !opts.ListenOnSocket {
			opts.ListenOnSocket = c.ListenOnSocket
		}
		if opts.ServerBinaryName == "" {
			opts.ServerBinaryName = c.ServerBinaryName
		}
		if opts.DataFolder == "" {
			opts.DataFolder = c.RemoteDataFolder
		}
		if opts.DownloadURLTemplate == "" {
			opts.DownloadURLTemplate = c.DownloadURLTemplate
		}
	}
	return opts
}

// parseForwards turns local=remote specs into forward specs. A bare port on
// either side means loopback.
func parseForwards(specs []string) ([]client.ForwardSpec, error) {
	var out []client.ForwardSpec
	for _, spec := range specs {
		local, remote, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --forward %q (expected local=remote)", spec)
		}
		out = append(out, client.ForwardSpec{
			LocalAddr:  normalizeAddr(local),
			RemoteAddr: normalizeAddr(remote),
		})
	}
	return out, nil
}

func normalizeAddr(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return addr
	}
	if !strings.ContainsAny(addr, ":/\\") {
		return "127.0.0.1:" + addr
	}
	return addr
}

// writeContext persists the connection under the selected (or host-named)
// context so later invocations can omit the flags.
func writeContext(root *rootOptions, host string, f *connectFlags) error {
	cfg := root.config
	if cfg == nil {
		cfg = &cliconfig.Config{}
	}
	if cfg.Contexts == nil {
		cfg.Contexts = map[string]*cliconfig.Context{}
	}
	name := strings.TrimSpace(root.contextName)
	if name == "" {
		name = cfg.CurrentContext
	}
	if name == "" {
		name = host
	}
	ctx := cfg.Contexts[name]
	if ctx == nil {
		ctx = &cliconfig.Context{}
		cfg.Contexts[name] = ctx
	}
	ctx.SSHHost = host
	if f.socket {
		ctx.ListenOnSocket = true
	}
	if len(f.extensions) > 0 {
		ctx.DefaultExtensions = f.extensions
	}
	if f.serverBin != "" {
		ctx.ServerBinaryName = f.serverBin
	}
	if f.dataFolder != "" {
		ctx.RemoteDataFolder = f.dataFolder
	}
	if f.downloadURL != "" {
		ctx.DownloadURLTemplate = f.downloadURL
	}
	if cfg.CurrentContext == "" {
		cfg.CurrentContext = name
	}
	return cfg.Save(root.configPath)
}
