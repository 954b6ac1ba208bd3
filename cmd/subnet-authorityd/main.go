// Subnet-authorityd is the subnet authority daemon.
//
// It browses the link for DNS-SD services over mDNS, keeps what it finds in a
// SQLite-backed cache, and serves that cache over HTTP so clients on other
// links can see the services of this subnet. It also advertises itself as
// _subnet-authority._tcp so peers and clients can find it.
//
// Usage:
//
//	subnet-authorityd serve [flags]
//	subnet-authorityd scan [flags]
//	subnet-authorityd dump [flags]
//
// See 'subnet-authorityd --help' for available commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/subnet-authority/internal/authority"
	"github.com/muurk/subnet-authority/internal/config"
	"github.com/muurk/subnet-authority/internal/logging"
	"github.com/muurk/subnet-authority/internal/ui"
	"github.com/muurk/subnet-authority/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMessageStyle.Render("Error: "+err.Error()))
		os.Exit(1)
	}
}

// configPath is shared by every command that reads the configuration.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "subnet-authorityd",
	Short: "Subnet authority mDNS discovery cache",
	Long: `A daemon that caches the DNS-SD services announced on one link and
serves them over HTTP.

The authority browses every service type seen on the link, resolves each
instance to its IPv6 addresses, persists the results, and keeps them fresh.
Other authorities and clients find it through its own mDNS advertisement.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	// Disable automatic completion command generation
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("Config file (default %s, or $%s)", config.DefaultPath, config.PathEnvVar))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var logLevel string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authority",
	Long: `Run the subnet authority until interrupted.

The configuration file is read from --config, then $SUBNET_AUTHORITY_CONFIG,
then /etc/subnet-authority/authorityd.yaml. A missing file is an error; use
'subnet-authorityd config init' to write one with the defaults.`,
	Example: `  # Run with the default configuration file
  subnet-authorityd serve

  # Run with a custom file and debug logging
  subnet-authorityd serve --config ./authority.yaml --log-level debug`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	if err := logging.Initialize(level, cfg.Log.Format); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logging.Sync()

	logging.Info("Configuration loaded", zap.String("path", path))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := authority.New(ctx, cfg, authority.WithLogger(logging.Named("authority")))
	if err != nil {
		return fmt.Errorf("failed to start authority: %w", err)
	}

	if err := a.Run(ctx); err != nil {
		return fmt.Errorf("authority stopped: %w", err)
	}

	logging.Info("Authority stopped")
	return nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("subnet-authorityd %s\n", version.Full())
	},
}
