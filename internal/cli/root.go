package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	outputJSON bool
	verbose    bool
	noCache    bool
	noProgress bool
)

// Execute runs the root cobra command and returns the process exit code.
func Execute(ctx context.Context) int {
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return 0
}

// exitCode maps a declined license or an interrupt to 2 and any other
// failure to 1.
func exitCode(err error) int {
	if errors.Is(err, errAborted) {
		return 2
	}
	return 1
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "portablemsvc",
		Short:         "Download a portable MSVC toolchain and Windows SDK",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yaml (default: <config dir>/config.yaml)")
	cmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output machine-readable JSON")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")
	cmd.PersistentFlags().BoolVar(&noCache, "no-cache", false, "Bypass the manifest cache")
	cmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "Disable interactive progress output")

	cmd.AddCommand(newInstallCmd())
	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newShowVersionsCmd())
	cmd.AddCommand(newRemoveCmd())
	cmd.AddCommand(newEnvCmd())
	cmd.AddCommand(newCacheCmd())
	cmd.AddCommand(newConfigCmd())
	return cmd
}
