package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/devlink/internal/client"
)

func newExecCmd(root *rootOptions) *cobra.Command {
	var f sshFlags
	cmd := &cobra.Command{
		Use:   "exec <user@host> <command...>",
		Short: "Run a command on the host over a fresh session channel",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveAuthority(root, args[:1])
			if err != nil {
				return err
			}
			command := strings.Join(args[1:], " ")

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			c := client.New(root.log)
			sess, err := c.Sessions().Connect(ctx, resolved, f.credentials(root, resolved), f.connectTimeout(root))
			if err != nil {
				return err
			}
			defer sess.Close()

			res, err := sess.Exec(ctx, command)
			if err != nil {
				return err
			}
			if res.Stdout != "" {
				fmt.Fprint(os.Stdout, res.Stdout)
			}
			if res.Stderr != "" {
				fmt.Fprint(os.Stderr, res.Stderr)
			}
			if res.ExitCode != 0 {
				return fmt.Errorf("remote command exited %d", res.ExitCode)
			}
			return nil
		},
	}
	cmd.SilenceUsage = true
	f.bind(cmd)
	return cmd
}
