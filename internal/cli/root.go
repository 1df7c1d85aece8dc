// Package cli implements the celerix-kv command line: data reads and writes
// plus tenant root and API key administration against a local data directory.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-kv/internal/config"
	"github.com/celerix-dev/celerix-kv/internal/kv"
	"github.com/celerix-dev/celerix-kv/internal/logging"
	"github.com/celerix-dev/celerix-kv/pkg/engine"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	DataDir    string
	ConfigPath string
	As         string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the celerix-kv CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "celerix-kv",
		Short: "Multi-tenant append-only key-value store",
		Long: `Read and write tenant namespaces and administer tenant roots and API keys.

Every change is appended to a JSONL log under the data directory; the last
record for a key wins.`,
		Args:          exactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true, // commands report their own errors
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				err := fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
				fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
				return WrapExitError(ExitCommandError, "usage", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.SetFlagErrorFunc(func(c *cobra.Command, err error) error {
		fmt.Fprintf(c.ErrOrStderr(), "Error: %v\nUsage: %s\n", err, c.UseLine())
		return WrapExitError(ExitCommandError, "usage", err)
	})

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "data directory (overrides config and CELERIX_DATA_DIR)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.As, "as", "", "principal to act as")

	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewSetCommand(opts))
	cmd.AddCommand(NewDumpCommand(opts))
	cmd.AddCommand(NewRootAdminCommand(opts))
	cmd.AddCommand(NewKeyCommand(opts))

	return cmd
}

// exactArgs is cobra.ExactArgs reported as a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return usageArgs(cobra.ExactArgs(n))
}

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\nUsage: %s\n", err, cmd.UseLine())
			return WrapExitError(ExitCommandError, "usage", err)
		}
		return nil
	}
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // keep JSON on stdout clean
		Verbose:   o.Verbose,
	}
}

// principal returns --as or a usage error.
func (o *RootOptions) principal(f *OutputFormatter) (string, error) {
	if o.As == "" {
		f.Error("USAGE", "--as <principal> is required")
		return "", NewExitError(ExitCommandError, "--as is required")
	}
	return o.As, nil
}

// open resolves configuration and builds the service over the data directory.
func (o *RootOptions) open(f *OutputFormatter) (*kv.Service, error) {
	cfg, err := config.Resolve(o.ConfigPath)
	if err != nil {
		f.Error("CONFIG", err.Error())
		return nil, WrapExitError(ExitCommandError, "config", err)
	}
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}

	// CLI diagnostics stay quiet unless asked for.
	level := "warn"
	if o.Verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Log.Format)
	if err != nil {
		f.Error("CONFIG", err.Error())
		return nil, WrapExitError(ExitCommandError, "config", err)
	}

	log, err := engine.NewLogStore(cfg.DataDir, engine.WithFsync(cfg.Fsync), engine.WithLogger(logger))
	if err != nil {
		f.Error("CONFIG", err.Error())
		return nil, WrapExitError(ExitCommandError, "data dir", err)
	}
	f.VerboseLog("data dir: %s", cfg.DataDir)
	svc := kv.New(log, logger)
	svc.RestrictACLWrites(cfg.RootOnlyACL)
	return svc, nil
}
