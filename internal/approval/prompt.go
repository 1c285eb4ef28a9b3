package approval

import (
	"context"
	"fmt"
	"io"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	promptTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#FAFAFA")).
				Background(lipgloss.Color("#C2410C")).
				Padding(0, 1)
	promptLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(8)
	promptValueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FAFAFA"))
	promptRiskStyle  = map[string]lipgloss.Style{
		"low":    lipgloss.NewStyle().Foreground(lipgloss.Color("#2E8B57")),
		"medium": lipgloss.NewStyle().Foreground(lipgloss.Color("#D97706")),
		"high":   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#DC2626")),
	}
	promptKeysStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1)
)

// promptModel asks a single Yes / No / Always question.
type promptModel struct {
	prompt Prompt
	answer Answer
}

func (m promptModel) Init() tea.Cmd {
	return nil
}

func (m promptModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch strings.ToLower(key.String()) {
	case "y":
		m.answer = AnswerYes
	case "a":
		m.answer = AnswerAlways
	case "n", "q", "esc", "enter", "ctrl+c":
		m.answer = AnswerNo
	default:
		return m, nil
	}
	return m, tea.Quit
}

func (m promptModel) View() string {
	if m.answer != "" {
		return ""
	}

	riskStyle, ok := promptRiskStyle[m.prompt.Risk]
	if !ok {
		riskStyle = promptValueStyle
	}
	rows := []string{promptTitleStyle.Render("Approval required")}
	rows = append(rows, row("tool", promptValueStyle.Render(m.prompt.ToolName)))
	if m.prompt.Summary != "" {
		rows = append(rows, row("action", promptValueStyle.Render(m.prompt.Summary)))
	}
	if m.prompt.Risk != "" {
		rows = append(rows, row("risk", riskStyle.Render(m.prompt.Risk)))
	}
	if m.prompt.Reason != "" {
		rows = append(rows, row("reason", promptValueStyle.Render(m.prompt.Reason)))
	}
	rows = append(rows, promptKeysStyle.Render("[y] yes  [n] no  [a] always for this session"))
	return lipgloss.JoinVertical(lipgloss.Left, rows...) + "\n"
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, promptLabelStyle.Render(label), value)
}

// Prompter asks an operator at a terminal. An "always" answer is remembered in
// grants for the prompt's session.
type Prompter struct {
	in     io.Reader
	out    io.Writer
	grants *Grants
}

// NewPrompter reads keys from in and renders to out.
func NewPrompter(in io.Reader, out io.Writer, grants *Grants) *Prompter {
	return &Prompter{in: in, out: out, grants: grants}
}

// Ask implements Approver. A cancelled context or a closed input answers No.
func (p *Prompter) Ask(ctx context.Context, prompt Prompt) (Answer, error) {
	program := tea.NewProgram(
		promptModel{prompt: prompt},
		tea.WithContext(ctx),
		tea.WithInput(p.in),
		tea.WithOutput(p.out),
	)
	final, err := program.Run()
	if err != nil {
		return AnswerNo, fmt.Errorf("approval prompt: %w", err)
	}

	answer := AnswerNo
	if m, ok := final.(promptModel); ok && m.answer != "" {
		answer = m.answer
	}
	if answer == AnswerAlways && p.grants != nil {
		p.grants.Allow(prompt.Session, prompt.ToolName)
	}
	return answer, nil
}
