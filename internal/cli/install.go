package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"portablemsvc/internal/arch"
	"portablemsvc/internal/config"
	"portablemsvc/internal/download"
	"portablemsvc/internal/install"
	"portablemsvc/internal/tui"
)

var (
	installMSVC          string
	installSDK           string
	installOutput        string
	installForce         bool
	installAcceptLicense bool
)

func newInstallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Download and lay out an MSVC toolchain with a Windows SDK",
		RunE:  runInstall,
	}

	cmd.Flags().String("channel", config.ChannelRelease, "Manifest channel: release or preview")
	cmd.Flags().String("host", arch.DefaultHost, "Host architecture: "+strings.Join(arch.Hosts(), ", "))
	cmd.Flags().StringSlice("target", nil, "Target architectures ("+strings.Join(arch.Targets(), ", ")+" or all; default: host)")
	cmd.Flags().StringVar(&installMSVC, "msvc-version", "", "MSVC version: bucket like 14.44 or full build like 14.44.17.14 (default: latest)")
	cmd.Flags().StringVar(&installSDK, "sdk-version", "", "Windows SDK build like 26100 (default: latest)")
	cmd.Flags().StringVar(&installOutput, "output", "", "Installation directory (default: <data dir>/msvc-<ver>_sdk-<ver>)")
	cmd.Flags().BoolVar(&installForce, "force", false, "Reinstall even when a matching install exists")
	cmd.Flags().BoolVar(&installAcceptLicense, "accept-license", false, "Accept the Visual Studio license terms without prompting")
	return cmd
}

// selectionViper maps the channel and architecture flags onto config keys so
// they override the file and the environment only when given.
func selectionViper(cmd *cobra.Command) (*viper.Viper, error) {
	v := config.NewViper()
	if err := bindFlags(v, cmd.Flags(), map[string]string{"channel": "channel", "host": "host", "targets": "target"}); err != nil {
		return nil, err
	}
	return v, nil
}

// bindFlags binds each config key to the named flag when the command has it.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for key, name := range keys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind --%s: %w", name, err)
		}
	}
	return nil
}

func runInstall(cmd *cobra.Command, _ []string) error {
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

	status := tui.NewStatus(cmd.ErrOrStderr(), a.mode)
	defer status.Stop()

	status.Update("Checking license...")
	if err := ensureLicense(ctx, cmd, a); err != nil {
		return err
	}

	req := install.Request{
		Channel:     a.cfg.Channel,
		Host:        a.cfg.Host,
		Targets:     a.cfg.Targets,
		MSVCVersion: installMSVC,
		SDKVersion:  installSDK,
		Output:      installOutput,
		Force:       installForce,
	}

	var outcome install.Outcome
	work := func(ctx context.Context, r reporter) error {
		var progress download.Progress
		var phase func(install.Phase)
		if r != nil {
			progress = r
			phase = func(p install.Phase) { r.Phase(string(p)) }
		}
		inst, err := a.installer(ctx, progress, phase)
		if err != nil {
			return err
		}
		outcome, err = inst.Install(ctx, req)
		return err
	}

	switch a.mode {
	case tui.ModeTUI:
		status.Stop()
		title := fmt.Sprintf("Installing MSVC %s with SDK %s", nonEmptyOrDash(installMSVC), nonEmptyOrDash(installSDK))
		err = tui.RunWithWork(ctx, cmd.ErrOrStderr(), tui.NewInstallModel(title), func(ctx context.Context, send func(tea.Msg)) error {
			return work(ctx, tui.NewDownloadReporter(send))
		})
		if errors.Is(err, tui.ErrInterrupted) {
			return fmt.Errorf("%w: install interrupted", errAborted)
		}
	case tui.ModePlain:
		status.Stop()
		err = work(ctx, tui.NewPlainReporter(cmd.ErrOrStderr()))
	default:
		err = work(ctx, nil)
	}
	if err != nil {
		return err
	}
	status.Stop()

	if outputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(outcome)
	}
	writeInstallSummary(cmd.OutOrStdout(), outcome)
	return nil
}

// reporter receives payload transfers and install steps.
type reporter interface {
	download.Progress
	Phase(text string)
}

func ensureLicense(ctx context.Context, cmd *cobra.Command, a *app) error {
	if installAcceptLicense {
		return nil
	}
	url, err := a.manifestClient().LicenseURL(ctx, a.cfg.Channel)
	if err != nil {
		return err
	}
	if !tui.IsTerminal(cmd.InOrStdin()) || !tui.IsTerminal(cmd.ErrOrStderr()) {
		return fmt.Errorf("the Visual Studio license (%s) must be accepted: rerun with --accept-license", url)
	}
	if err := tui.ConfirmLicense(cmd.InOrStdin(), cmd.ErrOrStderr(), url); err != nil {
		if errors.Is(err, tui.ErrLicenseDeclined) {
			return fmt.Errorf("%w: %v", errAborted, err)
		}
		return err
	}
	return nil
}

func writeInstallSummary(w io.Writer, o install.Outcome) {
	rec := o.Record
	if o.AlreadyInstalled {
		fmt.Fprintf(w, "Already installed: MSVC %s, SDK %s (%s)\n", rec.MSVCVersion, rec.SDKVersion, rec.ID)
	} else {
		fmt.Fprintf(w, "Installed MSVC %s (%s), SDK %s (%s)\n",
			rec.MSVCVersion, nonEmptyOrDash(rec.MSVCInternalVersion),
			rec.SDKVersion, nonEmptyOrDash(rec.SDKInternalVersion))
		fmt.Fprintf(w, "Payloads: %d, cabinets: %d\n", o.Payloads, o.Cabinets)
	}
	fmt.Fprintf(w, "Path:    %s\n", rec.Path)
	fmt.Fprintf(w, "Host:    %s\n", rec.Host)
	fmt.Fprintf(w, "Targets: %s\n", joinOrDash(rec.Targets))
	fmt.Fprintf(w, "ID:      %s\n", rec.ID)
	if len(o.Missing) > 0 {
		fmt.Fprintf(w, "Not in catalog (%d): %s\n", len(o.Missing), strings.Join(o.Missing, ", "))
	}
	if !o.AlreadyInstalled {
		fmt.Fprintln(w, "\nActivate with activate.cmd or activate.ps1 in the install directory,")
		fmt.Fprintln(w, "or print the variables with: portablemsvc env --id "+rec.ID)
	}
}
