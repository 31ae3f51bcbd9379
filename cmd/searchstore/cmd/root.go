// Package cmd provides the CLI commands for searchstore.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/searchstore/internal/config"
	"github.com/Aman-CERP/searchstore/internal/logging"
	"github.com/Aman-CERP/searchstore/internal/output"
	"github.com/Aman-CERP/searchstore/internal/profiling"
	"github.com/Aman-CERP/searchstore/pkg/version"
)

// rootOptions holds the persistent flags and the lazily loaded config
// shared by every subcommand.
type rootOptions struct {
	configFile string
	dataDir    string
	backend    string
	debug      bool
	jsonOutput bool
	noColor    bool
	profile    profiling.Options

	loadOnce sync.Once
	cfg      *config.Config
	cfgErr   error

	loggingCleanup func()
	profiler       *profiling.Session
}

// config loads the layered configuration once and applies the flag
// overrides on top of it.
func (o *rootOptions) config() (*config.Config, error) {
	o.loadOnce.Do(func() {
		cwd, err := os.Getwd()
		if err != nil {
			o.cfgErr = fmt.Errorf("failed to get current directory: %w", err)
			return
		}
		root, err := config.FindProjectRoot(cwd)
		if err != nil {
			root = cwd
		}
		cfg, err := config.LoadFile(root, o.configFile)
		if err != nil {
			o.cfgErr = err
			return
		}
		if o.dataDir != "" {
			cfg.Storage.DataDir = o.dataDir
		}
		if o.backend != "" {
			cfg.Storage.Backend = o.backend
		}
		if err := cfg.Validate(); err != nil {
			o.cfgErr = err
			return
		}
		o.cfg = cfg
	})
	return o.cfg, o.cfgErr
}

// writer returns an output writer for cmd's stdout.
func (o *rootOptions) writer(cmd *cobra.Command) *output.Writer {
	out := cmd.OutOrStdout()
	if o.noColor {
		return output.NewWithColor(out, false)
	}
	return output.New(out)
}

// errWriter returns an output writer for cmd's stderr.
func (o *rootOptions) errWriter(cmd *cobra.Command) *output.Writer {
	errOut := cmd.ErrOrStderr()
	if o.noColor {
		return output.NewWithColor(errOut, false)
	}
	return output.New(errOut)
}

// NewRootCmd creates the root command for the searchstore CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "searchstore",
		Short: "Multi-tenant embedded document store",
		Long: `searchstore keeps schema-typed documents for many tenant databases in
one local index. Each database is addressed by an owner id and a database
name and only ever sees its own schema types, namespaces and documents.

Schemas are versioned: changing a schema either succeeds atomically,
migrates existing documents through registered migrators, or is refused
with the list of incompatible types.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("searchstore version {{.Version}}\n")

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "Extra config file applied after user and project config")
	flags.StringVar(&opts.dataDir, "data-dir", "", "Data directory (overrides storage.data_dir)")
	flags.StringVar(&opts.backend, "backend", "", "Index backend: sqlite or memory (overrides storage.backend)")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging to stderr and the log file")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Output as JSON")
	flags.BoolVar(&opts.noColor, "no-color", false, "Disable styled output")
	flags.StringVar(&opts.profile.CPU, "profile-cpu", "", "Write CPU profile to file")
	flags.StringVar(&opts.profile.Heap, "profile-mem", "", "Write memory profile to file")
	flags.StringVar(&opts.profile.Trace, "profile-trace", "", "Write execution trace to file")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if err := startLogging(opts); err != nil {
			return err
		}
		return startProfiling(opts)
	}
	cmd.PersistentPostRunE = func(_ *cobra.Command, _ []string) error {
		err := stopProfiling(opts)
		stopLogging(opts)
		return err
	}

	cmd.AddCommand(newSchemaCmd(opts))
	cmd.AddCommand(newPutCmd(opts))
	cmd.AddCommand(newGetCmd(opts))
	cmd.AddCommand(newQueryCmd(opts))
	cmd.AddCommand(newGlobalQueryCmd(opts))
	cmd.AddCommand(newRemoveCmd(opts))
	cmd.AddCommand(newRemoveByQueryCmd(opts))
	cmd.AddCommand(newNamespacesCmd(opts))
	cmd.AddCommand(newOptimizeCmd(opts))
	cmd.AddCommand(newInfoCmd(opts))
	cmd.AddCommand(newCheckCmd(opts))
	cmd.AddCommand(newDoctorCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newLogsCmd(opts))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startLogging installs the default logger. A config that fails to load
// falls back to the default log file; the command reports the error itself.
func startLogging(opts *rootOptions) error {
	logCfg := logging.DefaultConfig()
	if cfg, err := opts.config(); err == nil {
		logCfg.Level = cfg.Logging.Level
		if cfg.Logging.FilePath != "" {
			logCfg.FilePath = cfg.Logging.FilePath
		}
		logCfg.MaxSizeMB = cfg.Logging.MaxSizeMB
		logCfg.MaxFiles = cfg.Logging.MaxFiles
	}
	if opts.debug {
		logCfg.Level = "debug"
		logCfg.WriteToStderr = true
	}

	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	opts.loggingCleanup = cleanup
	slog.SetDefault(logger)
	slog.Debug("command_started", slog.String("version", version.Version))
	return nil
}

func stopLogging(opts *rootOptions) {
	if opts.loggingCleanup != nil {
		opts.loggingCleanup()
		opts.loggingCleanup = nil
	}
}

func startProfiling(opts *rootOptions) error {
	if !opts.profile.Enabled() {
		return nil
	}
	session, err := profiling.Start(opts.profile)
	if err != nil {
		return err
	}
	opts.profiler = session
	return nil
}

func stopProfiling(opts *rootOptions) error {
	if opts.profiler == nil {
		return nil
	}
	err := opts.profiler.Stop()
	opts.profiler = nil
	if err == nil {
		slog.Debug("profiles_written",
			slog.String("cpu", opts.profile.CPU),
			slog.String("heap", opts.profile.Heap),
			slog.String("trace", opts.profile.Trace))
	}
	return err
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
