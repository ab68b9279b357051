package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"portablemsvc/internal/config"
	"portablemsvc/internal/install"
)

var showVersionsFull bool

func newShowVersionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show-versions",
		Short: "List MSVC and Windows SDK versions offered by a channel",
		Args:  cobra.NoArgs,
		RunE:  runShowVersions,
	}
	cmd.Flags().String("channel", config.ChannelRelease, "Manifest channel: release or preview")
	cmd.Flags().BoolVar(&showVersionsFull, "full", false, "List full MSVC builds instead of minor versions")
	return cmd
}

func runShowVersions(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	v, err := selectionViper(cmd)
	if err != nil {
		return err
	}
	a, err := loadApp(cmd, v)
	if err != nil {
		return err
	}
	defer a.Close()

	av, err := install.ListVersions(ctx, a.manifestClient(), a.cfg.Channel, a.logger)
	if err != nil {
		return err
	}

	if outputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(av)
	}
	msvc := av.MSVC
	if showVersionsFull {
		msvc = av.MSVCFull
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Channel: %s\n", av.Channel)
	fmt.Fprintf(out, "MSVC:    %s\n", strings.Join(msvc, " "))
	fmt.Fprintf(out, "SDK:     %s\n", strings.Join(av.SDK, " "))
	return nil
}
