package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"portablemsvc/internal/download"
	"portablemsvc/internal/tui"
)

var (
	cacheInfoVerbose bool
	cacheVerifyKeep  bool
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the payload download cache",
	}
	cmd.AddCommand(newCacheInfoCmd())
	cmd.AddCommand(newCacheVerifyCmd())
	return cmd
}

func newCacheInfoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Summarize cached payloads",
		Args:  cobra.NoArgs,
		RunE:  runCacheInfo,
	}
	cmd.Flags().BoolVar(&cacheInfoVerbose, "entries", false, "List every cached payload")
	return cmd
}

func newCacheVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-hash every cached payload and drop corrupt ones",
		Args:  cobra.NoArgs,
		RunE:  runCacheVerify,
	}
	cmd.Flags().BoolVar(&cacheVerifyKeep, "keep", false, "Report corrupt payloads without deleting them")
	return cmd
}

type cacheSummary struct {
	Dir     string           `json:"dir"`
	Count   int              `json:"count"`
	Bytes   int64            `json:"bytes"`
	Entries []download.Entry `json:"entries,omitempty"`
}

func openCache(ctx context.Context, cmd *cobra.Command) (*app, *download.Cache, error) {
	a, err := loadApp(cmd, nil)
	if err != nil {
		return nil, nil, err
	}
	c, err := a.payloadCache(ctx, nil)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, c, nil
}

func runCacheInfo(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	a, c, err := openCache(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := c.Entries()
	if err != nil {
		return err
	}
	sum := cacheSummary{Dir: c.Dir(), Count: len(entries)}
	for _, e := range entries {
		sum.Bytes += e.Size
	}
	if cacheInfoVerbose || outputJSON {
		sum.Entries = entries
	}

	if outputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Directory: %s\n", sum.Dir)
	fmt.Fprintf(out, "Payloads:  %d\n", sum.Count)
	fmt.Fprintf(out, "Size:      %s\n", tui.FormatSize(sum.Bytes))
	if cacheInfoVerbose && len(entries) > 0 {
		fmt.Fprintln(out)
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "HASH\tSIZE\tNAMES")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Hash[:16], tui.FormatSize(e.Size), nonEmptyOrDash(strings.Join(e.Names, ", ")))
		}
		tw.Flush()
	}
	return nil
}

func runCacheVerify(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	a, c, err := openCache(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	status := tui.NewStatus(cmd.ErrOrStderr(), a.mode)
	status.Update("Verifying cached payloads...")
	bad, err := c.Verify(ctx, !cacheVerifyKeep)
	status.Stop()
	if err != nil {
		return err
	}
	if !cacheVerifyKeep {
		if err := c.Close(ctx); err != nil {
			return fmt.Errorf("update hash registry: %w", err)
		}
	}

	if outputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"corrupt": bad, "removed": !cacheVerifyKeep})
	}
	out := cmd.OutOrStdout()
	if len(bad) == 0 {
		fmt.Fprintln(out, "All cached payloads verified.")
		return nil
	}
	verb := "Removed"
	if cacheVerifyKeep {
		verb = "Found"
	}
	fmt.Fprintf(out, "%s %d corrupt payload(s):\n", verb, len(bad))
	for _, e := range bad {
		fmt.Fprintf(out, "  %s\n", e.Path)
	}
	return nil
}
