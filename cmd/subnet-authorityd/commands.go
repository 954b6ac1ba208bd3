package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/subnet-authority/internal/config"
	"github.com/muurk/subnet-authority/internal/discovery"
	"github.com/muurk/subnet-authority/internal/logging"
	"github.com/muurk/subnet-authority/internal/model"
	"github.com/muurk/subnet-authority/internal/store"
	"github.com/muurk/subnet-authority/internal/ui"
)

// Scan command flags
var (
	scanTimeout     time.Duration
	scanInterface   string
	scanIPv4        bool
	scanAuthorities bool
	scanPlain       bool
)

// Dump command flags
var (
	dumpDBPath string
	dumpJSON   bool
)

var configForce bool

func init() {
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configCheckCmd)
}

// scanCmd browses the link once, without touching the cache
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Browse the link for DNS-SD services",
	Long: `Browse the local link with mDNS and show every service instance found.

Nothing is written to the cache. On a terminal the results update live until
the timeout or until you press q. Use --authorities to list only the subnet
authorities advertising on the link.`,
	Example: `  # Scan for 10 seconds (default)
  subnet-authorityd scan

  # Find the authorities on eth0
  subnet-authorityd scan --interface eth0 --authorities

  # Longer scan with plain output, including IPv4 addresses
  subnet-authorityd scan --timeout 30s --ipv4 --plain`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", 10*time.Second, "How long to browse")
	scanCmd.Flags().StringVarP(&scanInterface, "interface", "i", "", "Interface to browse on (default all)")
	scanCmd.Flags().BoolVar(&scanIPv4, "ipv4", false, "Keep IPv4 addresses and instances with only IPv4 addresses")
	scanCmd.Flags().BoolVar(&scanAuthorities, "authorities", false, "Show only subnet authorities")
	scanCmd.Flags().BoolVar(&scanPlain, "plain", false, "Print a table when the scan ends instead of the live view")
}

func runScan(cmd *cobra.Command, args []string) error {
	if err := logging.InitializeFromEnv(); err != nil {
		return err
	}

	factory, err := discovery.NewResolverFactory(scanInterface, !scanIPv4)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), scanTimeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	browser := discovery.NewBrowser(
		discovery.BrowserConfig{IPv6Only: !scanIPv4},
		discovery.WithResolverFactory(factory),
		discovery.WithLogger(logging.Named("discovery")),
	)

	events := make(chan model.BrowserEvent, 64)
	browseErr := make(chan error, 1)
	go func() { browseErr <- browser.Run(ctx, events) }()

	var entries []*model.ServiceEntry
	if !scanPlain && ui.IsTerminal() {
		entries, err = ui.RunScan(events, os.Stdout)
		// The view may end before the timeout; stop browsing and let the
		// browser close the stream.
		cancel()
		for range events {
		}
		if err != nil {
			return err
		}
	} else {
		fmt.Printf("Scanning for services (timeout: %s)...\n\n", scanTimeout)
		entries = ui.Collect(events)
	}

	if err := <-browseErr; err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if scanAuthorities {
		return printPeers(entries)
	}

	if len(entries) == 0 {
		fmt.Println(ui.WarningStyle.Render("No services found."))
		fmt.Println("\nTroubleshooting:")
		fmt.Println("  - Check that multicast is allowed on the interface")
		fmt.Println("  - Services with only IPv4 addresses are hidden unless --ipv4 is set")
		fmt.Println("  - Try increasing --timeout for slower networks")
		return nil
	}
	if scanPlain || !ui.IsTerminal() {
		fmt.Println(ui.ServicesTable(entries, time.Now(), ui.GetTerminalWidth()))
	}
	fmt.Printf("Found %d instance(s)\n", len(entries))
	return nil
}

func printPeers(entries []*model.ServiceEntry) error {
	var peers []*discovery.Peer
	for _, e := range entries {
		if !e.Alive {
			continue
		}
		p, err := discovery.PeerFromEntry(e)
		if err != nil {
			continue
		}
		peers = append(peers, p)
	}

	if len(peers) == 0 {
		fmt.Println(ui.WarningStyle.Render("No subnet authorities found."))
		return nil
	}
	fmt.Println(ui.PeersTable(peers, ui.GetTerminalWidth()))
	fmt.Printf("Found %d authorit(ies)\n", len(peers))
	return nil
}

// dumpCmd prints the persisted cache
var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the persisted service cache",
	Long: `Print every entry in the cache database, including entries marked dead.

The database path comes from --db, or else from the configuration file. The
database can be read while the daemon is running.`,
	Example: `  # Dump the database named in the configuration
  subnet-authorityd dump

  # Dump a copy of the database as JSON
  subnet-authorityd dump --db ./services.db --json`,
	RunE: runDump,
}

func init() {
	dumpCmd.Flags().StringVar(&dumpDBPath, "db", "", "Database file (overrides the configuration)")
	dumpCmd.Flags().BoolVar(&dumpJSON, "json", false, "Print JSON instead of a table")
}

func runDump(cmd *cobra.Command, args []string) error {
	if err := logging.InitializeFromEnv(); err != nil {
		return err
	}

	dbPath, err := resolveDBPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(dbPath); err != nil {
		return fmt.Errorf("cannot open database: %w", err)
	}

	s, err := store.Open(store.Config{Path: dbPath, Logger: logging.Named("store")})
	if err != nil {
		return err
	}
	defer s.Close()

	entries, err := s.LoadAll(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read database: %w", err)
	}

	if dumpJSON {
		if entries == nil {
			entries = []*model.ServiceEntry{}
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode entries: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	if len(entries) == 0 {
		fmt.Printf("%s is empty.\n", dbPath)
		return nil
	}
	fmt.Println(ui.ServicesTable(entries, time.Now(), ui.GetTerminalWidth()))
	fmt.Printf("%d entries in %s\n", len(entries), dbPath)
	return nil
}

// resolveDBPath prefers --db, then the configuration file. Without an
// explicit --config a missing configuration falls back to the default
// database location.
func resolveDBPath() (string, error) {
	if dumpDBPath != "" {
		return dumpDBPath, nil
	}
	cfg, err := config.Load(config.ResolvePath(configPath))
	switch {
	case err == nil:
		return cfg.Cache.DBPath, nil
	case configPath == "" && errors.Is(err, fs.ErrNotExist):
		return config.DefaultDBPath, nil
	default:
		return "", err
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with the defaults",
	Example: `  # Write /etc/subnet-authority/authorityd.yaml
  sudo subnet-authorityd config init

  # Write somewhere else, replacing any existing file
  subnet-authorityd config init --config ./authority.yaml --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.ResolvePath(configPath)
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.Default().Save(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		fmt.Println("Set authority.interface and authority.prefix before starting the daemon.")
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite an existing file")
}

var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := config.ResolvePath(configPath)
		if _, err := config.Load(path); err != nil {
			return err
		}
		fmt.Printf("%s is valid\n", path)
		return nil
	},
}
