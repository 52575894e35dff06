package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/nexussync/internal/config"
	"github.com/agentworkforce/nexussync/internal/errs"
	"github.com/agentworkforce/nexussync/internal/statestore"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

type rootFlags struct {
	configFile string
	envFile    string
	syncDir    string
	stateDSN   string
	logLevel   string
	logFile    string
}

func (f *rootFlags) settings() (config.Settings, error) {
	overrides := map[string]any{}
	for key, value := range map[string]string{
		config.KeySyncDir:  f.syncDir,
		config.KeyStateDSN: f.stateDSN,
		config.KeyLogLevel: f.logLevel,
		config.KeyLogFile:  f.logFile,
	} {
		if strings.TrimSpace(value) != "" {
			overrides[key] = value
		}
	}
	return config.Load(config.LoadOptions{
		ConfigFile: f.configFile,
		EnvFile:    f.envFile,
		Overrides:  overrides,
	})
}

func (f *rootFlags) open() (*engine, error) {
	settings, err := f.settings()
	if err != nil {
		return nil, err
	}
	return openEngine(settings)
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "nexussync",
		Short: "Device-side sync engine for the nexus data gateway",
		Long: `nexussync keeps a device's local records in step with the nexus sync server.

Local writes are queued durably, pushed in batches, and the device pulls
everything newer than its stored cursor. Tokens come from the guardian
auth gateway and are refreshed before they expire.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "config file (yaml, toml or json)")
	pf.StringVar(&flags.envFile, "env-file", "", "dotenv file to load (default ./.env when present)")
	pf.StringVar(&flags.syncDir, "sync-dir", "", "directory holding device state")
	pf.StringVar(&flags.stateDSN, "state-dsn", "", "state backend DSN (file://, memory://, postgres://)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.logFile, "log-file", "", "write logs to a rotating file instead of stderr")

	root.AddGroup(
		&cobra.Group{ID: "device", Title: "Device:"},
		&cobra.Group{ID: "sync", Title: "Sync:"},
	)
	root.AddCommand(
		newConfigureCommand(flags),
		newLoginCommand(flags),
		newLogoutCommand(flags),
		newHealthCommand(flags),
		newStatusCommand(flags),
		newEnqueueCommand(flags),
		newSyncCommand(flags),
		newRunCommand(flags),
		newConflictsCommand(flags),
	)
	return root
}

func exitCode(err error) int {
	switch {
	case errs.IsConfiguration(err), errors.Is(err, statestore.ErrLocked):
		return 2
	case errs.IsTransient(err):
		return 3
	default:
		return 1
	}
}
