package tui

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"portablemsvc/internal/download"
)

func TestFormatSize(t *testing.T) {
	tests := map[int64]string{
		0:               "-",
		512:             "512 B",
		2048:            "2.0 KiB",
		3 * 1024 * 1024: "3.0 MiB",
	}
	for in, want := range tests {
		if got := FormatSize(in); got != want {
			t.Errorf("FormatSize(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestDownloadReporterCoalescesAdvance(t *testing.T) {
	var msgs []tea.Msg
	r := NewDownloadReporter(func(msg tea.Msg) { msgs = append(msgs, msg) })

	r.Start("tools.vsix", 1000)
	r.Advance("tools.vsix", 1, 1000)
	r.Advance("tools.vsix", 5, 1000)
	r.Advance("tools.vsix", 500, 1000)
	r.Finish("tools.vsix", download.SourceNetwork, nil)
	r.Phase("Extracting")

	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d: %v", len(msgs), msgs)
	}
	if p := msgs[0].(PayloadMsg); p.Event != PayloadStarted || p.Total != 1000 {
		t.Errorf("unexpected start %+v", p)
	}
	if p := msgs[2].(PayloadMsg); p.Event != PayloadAdvanced || p.Done != 500 {
		t.Errorf("unexpected advance %+v", p)
	}
	if p := msgs[3].(PayloadMsg); p.Event != PayloadFinished || p.Source != download.SourceNetwork {
		t.Errorf("unexpected finish %+v", p)
	}
	if p, ok := msgs[4].(PhaseMsg); !ok || p.Text != "Extracting" {
		t.Errorf("expected a phase message, got %v", msgs[4])
	}
}

func TestDownloadReporterDrivesModel(t *testing.T) {
	m := NewInstallModel("")
	r := NewDownloadReporter(func(msg tea.Msg) { m = apply(m, msg) })

	r.Start("libs.msi", 100)
	r.Finish("libs.msi", download.SourceNetwork, errors.New("hash mismatch"))
	r.Finish("dia.vsix", download.SourceCache, nil)

	if m.rows[0].state != rowFailed || m.rows[1].status() != "cached" {
		t.Errorf("unexpected rows %+v", m.rows)
	}
}

func TestPlainReporter(t *testing.T) {
	var buf bytes.Buffer
	r := NewPlainReporter(&buf)
	r.Phase("Fetching payloads")
	r.Start("a.vsix", 10)
	r.Finish("a.vsix", download.SourceCache, nil)
	r.Finish("b.msi", download.SourceNetwork, errors.New("boom"))

	out := buf.String()
	if !strings.HasPrefix(out, "Fetching payloads...\n") {
		t.Errorf("expected the phase line first in %q", out)
	}
	if !strings.Contains(out, "cached") || !strings.Contains(out, "a.vsix") {
		t.Errorf("missing cached line in %q", out)
	}
	if !strings.Contains(out, "b.msi: boom") {
		t.Errorf("missing error line in %q", out)
	}
}
