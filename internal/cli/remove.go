package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var removeDeleteFiles bool

func newRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Forget an installed toolchain",
		Args:  cobra.ExactArgs(1),
		RunE:  runRemove,
	}
	cmd.Flags().BoolVar(&removeDeleteFiles, "delete-files", false, "Also delete the installation directory")
	return cmd
}

func runRemove(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	a, err := loadApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	rec, err := a.store().Remove(ctx, args[0], removeDeleteFiles)
	if err != nil {
		return err
	}

	if outputJSON {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
			"id":            rec.ID,
			"path":          rec.Path,
			"files_deleted": removeDeleteFiles,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (MSVC %s, SDK %s)\n", rec.ID, rec.MSVCVersion, rec.SDKVersion)
	if removeDeleteFiles {
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", rec.Path)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Files kept at %s\n", rec.Path)
	}
	return nil
}
