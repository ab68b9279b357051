package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"portablemsvc/internal/paths"
	"portablemsvc/internal/status"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed toolchains",
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
}

type listEntry struct {
	status.Record
	ID      string `json:"id"`
	Present bool   `json:"present"`
}

func runList(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	a, err := loadApp(cmd, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store().List(ctx)
	if err != nil {
		return err
	}
	entries := make([]listEntry, len(records))
	for i, rec := range records {
		present, err := paths.DirExists(rec.Path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", rec.Path, err)
		}
		entries[i] = listEntry{Record: rec, ID: rec.ID, Present: present}
	}

	if outputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}
	writeListTable(cmd.OutOrStdout(), entries)
	return nil
}

func writeListTable(w io.Writer, entries []listEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No toolchains installed.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tMSVC\tSDK\tHOST\tTARGETS\tINSTALLED\tPATH")
	for _, e := range entries {
		path := e.Path
		if !e.Present {
			path += " (missing)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID,
			versionCell(e.MSVCVersion, e.MSVCInternalVersion),
			versionCell(e.SDKVersion, e.SDKInternalVersion),
			nonEmptyOrDash(e.Host),
			joinOrDash(e.Targets),
			e.InstalledAt.Local().Format(time.DateTime),
			path,
		)
	}
	tw.Flush()
}

func versionCell(advertised, internal string) string {
	if internal == "" || internal == advertised {
		return nonEmptyOrDash(advertised)
	}
	return fmt.Sprintf("%s (%s)", advertised, internal)
}
