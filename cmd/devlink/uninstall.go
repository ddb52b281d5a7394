package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/devlink/internal/bootstrap"
	"github.com/antonkrylov/devlink/internal/client"
	"github.com/antonkrylov/devlink/internal/shell"
)

type uninstallFlags struct {
	ssh        sshFlags
	dataFolder string
	dryRun     bool
}

func newUninstallCmd(root *rootOptions) *cobra.Command {
	var f uninstallFlags
	cmd := &cobra.Command{
		Use:   "uninstall [user@host]",
		Short: "Stop the remote server and remove its data folder",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveAuthority(root, args)
			if err != nil {
				return err
			}
			dataFolder := strings.TrimSpace(f.dataFolder)
			if dataFolder == "" && root.context != nil {
				dataFolder = root.context.RemoteDataFolder
			}

			if f.dryRun {
				folder := dataFolder
				if folder == "" {
					folder = ".devlink-server"
				}
				fmt.Fprintln(os.Stdout, "uninstall plan (dry-run):")
				fmt.Fprintf(os.Stdout, "- connect to %s\n", resolved.Authority.String())
				fmt.Fprintf(os.Stdout, "- kill server processes recorded under ~/%s\n", folder)
				fmt.Fprintf(os.Stdout, "- remove ~/%s (binaries, logs, tokens)\n", folder)
				fmt.Fprintln(os.Stdout, "pass --dry-run=false to execute")
				return nil
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			c := client.New(root.log)
			sess, err := c.Sessions().Connect(ctx, resolved, f.ssh.credentials(root, resolved), f.ssh.connectTimeout(root))
			if err != nil {
				return err
			}
			defer sess.Close()

			det, forced := shell.Detection{}, false
			if root.context != nil {
				det, forced = shell.FromPlatform(root.context.PlatformFor(resolved.Host))
			}
			if !forced {
				det, err = c.Shells().Detect(ctx, sess)
				if err != nil {
					return err
				}
			}
			out, err := c.Bootstrap().Uninstall(ctx, sess, det, bootstrap.InstallOptions{DataFolder: dataFolder})
			if err != nil {
				return err
			}
			if strings.TrimSpace(out) != "" {
				fmt.Fprintln(os.Stdout, strings.TrimSpace(out))
			}
			fmt.Fprintln(os.Stdout, "[devlink] uninstall complete")
			return nil
		},
	}
	cmd.SilenceUsage = true
	f.ssh.bind(cmd)
	cmd.Flags().StringVar(&f.dataFolder, "data-folder", "", "remote data folder (default .devlink-server)")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "print what would happen without executing")
	return cmd
}
