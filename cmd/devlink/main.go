package main

import (
	"log"
	"os"

	"github.com/spf13/cobra"

	cliconfig "github.com/antonkrylov/devlink/internal/cli/config"
	"github.com/antonkrylov/devlink/internal/observability"
	"go.uber.org/zap"
)

type rootOptions struct {
	configPath  string
	contextName string
	verbose     bool
	logFile     string

	config  *cliconfig.Config
	context *cliconfig.Context
	log     *zap.Logger
}

func (r *rootOptions) prepare() error {
	cfg, err := cliconfig.Load(r.configPath)
	if err != nil {
		return err
	}
	r.config = cfg
	if cfg != nil {
		ctx, _, err := cfg.Resolve(r.contextName)
		if err != nil {
			return err
		}
		r.context = ctx
	}
	logFile := r.logFile
	if logFile == "" {
		logFile = cliconfig.DefaultLogPath()
	}
	logger, err := observability.NewLogger(observability.LogConfig{
		Verbose: r.verbose,
		File:    logFile,
	})
	if err != nil {
		return err
	}
	r.log = logger
	return nil
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "devlink",
		Short: "Bootstrap and tunnel to headless dev servers over SSH",
	}
	defaultConfig := os.Getenv("DEVLINK_CONFIG")
	if defaultConfig == "" {
		defaultConfig = cliconfig.DefaultConfigPath()
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to devlink config file (default $HOME/.devlink/config)")
	rootCmd.PersistentFlags().StringVar(&opts.contextName, "context", "", "context name within the config (overrides currentContext)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "rotated log file (default $HOME/.devlink/logs/devlink.log)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return opts.prepare()
	}

	rootCmd.AddCommand(newConnectCmd(opts))
	rootCmd.AddCommand(newExecCmd(opts))
	rootCmd.AddCommand(newTunnelCmd(opts))
	rootCmd.AddCommand(newUninstallCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
