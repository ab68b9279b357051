package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"portablemsvc/internal/layout"
	"portablemsvc/internal/status"
)

var (
	envID    string
	envShell string
)

func newEnvCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Print the environment that activates an installed toolchain",
		Long: "Print the environment that activates an installed toolchain.\n\n" +
			"Without --id the install with the highest MSVC version is used.\n" +
			"Nothing is written to the registry or the user environment.",
		Args: cobra.NoArgs,
		RunE: runEnv,
	}
	cmd.Flags().StringVar(&envID, "id", "", "Install id (see list)")
	cmd.Flags().StringVar(&envShell, "shell", layout.ShellCmd, "Output format: cmd, ps or json")
	return cmd
}

func runEnv(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	a, err := loadApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	store := a.store()
	var rec status.Record
	if envID != "" {
		rec, err = store.Get(ctx, envID)
	} else {
		rec, err = store.Latest(ctx)
	}
	if err != nil {
		return err
	}

	spec, err := layout.ReadEnv(rec.Path)
	if err != nil {
		return err
	}
	spec = spec.Resolve(rec.Path)

	shell := strings.ToLower(envShell)
	if outputJSON {
		shell = "json"
	}
	if shell == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(spec)
	}
	script, err := spec.Script(shell)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), script)
	return nil
}
