// Package main implements the mirrord daemon and its control CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/kaist-ftp/mirrord/internal/config"
	"github.com/kaist-ftp/mirrord/internal/syncmethod"
)

const defaultConfigPath = "/etc/mirrord/mirrord.toml"

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "mirrord",
	Short: "Mirror orchestration daemon",
	Long: `mirrord keeps a set of upstream mirrors in sync.

The daemon schedules periodic syncs and publishes a status document;
the worker runs the actual sync tools with dropped privileges. Both
are controlled over local sockets with this same binary.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("mirrord %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  "Validate the configuration file and report any issues.",
	Run:   runValidate,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")

	syncCmd.Flags().Bool("wait", false, "wait for the sync to finish, showing progress")
}

// formatError returns a human-friendly error message, optionally with
// the full stack trace.
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}
	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}
	return err.Error()
}

// loadConfig reads and validates the configuration file and applies
// its log settings.
func loadConfig() (*config.Config, error) {
	cfg := config.NewConfig()
	meta, err := toml.DecodeFile(configPath, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("configuration file not found: " + configPath)
		}
		return nil, errors.Wrap(err, "decoding "+configPath)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.New("unknown configuration keys: " + strings.Join(keys, ", "))
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	if err := cfg.Log.Apply(); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Log.Apply(); err != nil {
			return nil, errors.Wrap(err, "applying command-line log level")
		}
	}
	return cfg, nil
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	cfg, err := loadConfig()
	if err != nil {
		slog.Error("the toml configuration file is not valid", "error", formatError(err, verboseErrors))
		os.Exit(1)
	}

	// Sync types resolve against the registered methods only at run
	// time; validate them here so typos surface before a restart.
	var validationErrors []error
	for id, p := range cfg.Packages {
		if _, err := syncmethod.Get(p.SyncType); err != nil {
			validationErrors = append(validationErrors, errors.Wrap(err, "package \""+id+"\""))
		}
	}
	if len(validationErrors) > 0 {
		slog.Error("the toml configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
