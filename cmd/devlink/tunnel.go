package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/devlink/internal/client"
)

// devlink tunnel opens forwards over a plain session, no server bootstrap.
func newTunnelCmd(root *rootOptions) *cobra.Command {
	var f sshFlags
	var forwards []string
	var dynamicAddr string
	cmd := &cobra.Command{
		Use:   "tunnel [user@host]",
		Short: "Hold static and SOCKS forwards open without bootstrapping",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolveAuthority(root, args)
			if err != nil {
				return err
			}
			if len(forwards) == 0 && dynamicAddr == "" {
				return fmt.Errorf("nothing to forward: pass --forward and/or --dynamic")
			}
			specs, err := parseForwards(forwards)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			c := client.New(root.log)
			sess, err := c.Sessions().Connect(ctx, resolved, f.credentials(root, resolved), f.connectTimeout(root))
			if err != nil {
				return err
			}
			defer sess.Close()

			for _, spec := range specs {
				fw, err := c.Tunnels().Static(sess, spec.LocalAddr, spec.RemoteAddr)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "[devlink] forward %s -> %s\n", fw.Addr(), fw.RemoteAddr)
			}
			if dynamicAddr != "" {
				fw, err := c.Tunnels().Dynamic(sess, normalizeAddr(dynamicAddr))
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "[devlink] socks5 proxy %s\n", fw.Addr())
			}

			<-ctx.Done()
			return nil
		},
	}
	cmd.SilenceUsage = true
	f.bind(cmd)
	cmd.Flags().StringArrayVarP(&forwards, "forward", "L", nil, "static forward local[:port]=remote[:port] (repeatable)")
	cmd.Flags().StringVarP(&dynamicAddr, "dynamic", "D", "", "bind a SOCKS5 proxy whose dials happen remote-side")
	return cmd
}
