package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/devlink/internal/cli/config"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			exe, _ := os.Executable()
			fmt.Fprintf(os.Stdout, "devlink_executable=%s\n", strings.TrimSpace(exe))

			agent := os.Getenv("SSH_AUTH_SOCK")
			fmt.Fprintf(os.Stdout, "ssh_agent_socket=%s\n", agent)
			if agent != "" {
				if _, err := os.Stat(agent); err != nil {
					fmt.Fprintln(os.Stdout, "ssh_agent_reachable=false")
				} else {
					fmt.Fprintln(os.Stdout, "ssh_agent_reachable=true")
				}
			}

			home, _ := os.UserHomeDir()
			if home != "" {
				sshConfig := filepath.Join(home, ".ssh", "config")
				_, err := os.Stat(sshConfig)
				fmt.Fprintf(os.Stdout, "ssh_config=%s present=%t\n", sshConfig, err == nil)
				knownHosts := filepath.Join(home, ".ssh", "known_hosts")
				_, err = os.Stat(knownHosts)
				fmt.Fprintf(os.Stdout, "known_hosts=%s present=%t\n", knownHosts, err == nil)
			}

			fmt.Fprintf(os.Stdout, "config_path=%s\n", root.configPath)
			cfg, err := cliconfig.Load(root.configPath)
			if err != nil {
				fmt.Fprintf(os.Stdout, "config_error=%s\n", err.Error())
				return nil
			}
			if cfg == nil {
				fmt.Fprintln(os.Stdout, "config_present=false")
				return nil
			}
			fmt.Fprintln(os.Stdout, "config_present=true")
			fmt.Fprintf(os.Stdout, "current_context=%s\n", strings.TrimSpace(cfg.CurrentContext))
			names := make([]string, 0, len(cfg.Contexts))
			for k := range cfg.Contexts {
				names = append(names, k)
			}
			sort.Strings(names)
			for _, name := range names {
				c := cfg.Contexts[name]
				if c == nil {
					continue
				}
				fmt.Fprintf(os.Stdout, "context=%s ssh=%s timeout=%ds socket=%t extensions=%d\n",
					name,
					strings.TrimSpace(c.SSHHost),
					int(c.ConnectTimeout().Seconds()),
					c.ListenOnSocket,
					len(c.DefaultExtensions),
				)
			}
			return nil
		},
	}
	return cmd
}
