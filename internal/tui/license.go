package tui

import (
	"errors"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// ErrLicenseDeclined is returned when the user does not accept the license.
var ErrLicenseDeclined = errors.New("license not accepted")

type licenseModel struct {
	url      string
	accept   bool
	answered bool
}

func (m licenseModel) Init() tea.Cmd { return nil }

func (m licenseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch key.String() {
	case "left", "right", "h", "l", "tab":
		m.accept = !m.accept
	case "y", "Y":
		m.accept, m.answered = true, true
		return m, tea.Quit
	case "n", "N", "esc", "q", "ctrl+c":
		m.accept, m.answered = false, true
		return m, tea.Quit
	case "enter":
		m.answered = true
		return m, tea.Quit
	}
	return m, nil
}

func (m licenseModel) View() string {
	faint := lipgloss.NewStyle().Faint(true)
	if m.answered {
		if m.accept {
			return faint.Render("  license accepted") + "\n"
		}
		return faint.Render("  license declined") + "\n"
	}

	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(0, 1).
		BorderForeground(lipgloss.Color("8"))
	focused := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("4"))

	options := []string{"Accept", "Decline"}
	for i, o := range options {
		if (i == 0) == m.accept {
			options[i] = focused.Render("▸ " + o)
		} else {
			options[i] = faint.Render("  " + o)
		}
	}

	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(panel.Render("The Microsoft build tools are covered by the\nVisual Studio license terms:\n\n" + m.url))
	sb.WriteString("\n\n")
	sb.WriteString(strings.Join(options, "   "))
	sb.WriteString("\n\n")
	sb.WriteString(faint.Render("  [←→] Choose  [Enter] Confirm  [y/n] Answer"))
	sb.WriteString("\n")
	return sb.String()
}

// ConfirmLicense shows the license URL and waits for the user's answer.
func ConfirmLicense(in io.Reader, out io.Writer, url string) error {
	p := tea.NewProgram(licenseModel{url: url}, tea.WithInput(in), tea.WithOutput(out))
	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("license prompt: %w", err)
	}
	if m, ok := final.(licenseModel); ok && m.answered && m.accept {
		return nil
	}
	return ErrLicenseDeclined
}
