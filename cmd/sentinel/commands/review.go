package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sentinel-sh/sentinel/internal/access"
	"github.com/sentinel-sh/sentinel/internal/lifecycle"
)

func newReviewCmd() *cobra.Command {
	var (
		rf     remoteFlags
		admin  string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "review",
		Short: "Interactively approve or deny pending requests",
		Long:  "Opens a terminal UI over the pending queue. a approves, d denies, r refreshes, q quits.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				return fmt.Errorf("review needs an interactive terminal; use 'sentinel requests list --status pending'")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return withAdminBackend(ctx, &rf, admin, func(b adminBackend) error {
				_, err := tea.NewProgram(newReviewModel(ctx, b, reason), tea.WithAltScreen()).Run()
				return err
			})
		},
	}

	rf.register(cmd)
	cmd.Flags().StringVar(&admin, "admin", defaultAdmin(), "admin id recorded on local decisions")
	cmd.Flags().StringVar(&reason, "deny-reason", "denied in review", "reason recorded on denials")
	return cmd
}

var (
	reviewTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	reviewTableStyle = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240"))
	reviewHelpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	reviewOKStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	reviewErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	reviewIntentBox  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).BorderForeground(lipgloss.Color("63"))
)

type pendingMsg struct {
	reqs []access.Request
	err  error
}

type decidedMsg struct {
	req access.Request
	err error
}

// reviewModel is the bubbletea model behind `sentinel review`.
type reviewModel struct {
	ctx        context.Context
	backend    adminBackend
	denyReason string

	table    table.Model
	requests []access.Request
	notice   string
	failed   bool
}

func newReviewModel(ctx context.Context, b adminBackend, denyReason string) reviewModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 36},
			{Title: "Agent", Width: 18},
			{Title: "Resource", Width: 28},
			{Title: "Task", Width: 14},
			{Title: "TTL", Width: 7},
			{Title: "Age", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240")).BorderBottom(true).Bold(true)
	s.Selected = s.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(s)

	return reviewModel{ctx: ctx, backend: b, denyReason: denyReason, table: t}
}

func (m reviewModel) Init() tea.Cmd {
	return m.load
}

func (m reviewModel) load() tea.Msg {
	reqs, err := m.backend.List(m.ctx, lifecycle.Filter{Status: access.StatusPending, Limit: 200})
	return pendingMsg{reqs: reqs, err: err}
}

func (m reviewModel) decide(approve bool, id string) tea.Cmd {
	return func() tea.Msg {
		var (
			req access.Request
			err error
		)
		if approve {
			req, err = m.backend.Approve(m.ctx, id)
		} else {
			req, err = m.backend.Deny(m.ctx, id, m.denyReason)
		}
		return decidedMsg{req: req, err: err}
	}
}

func (m reviewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case pendingMsg:
		if msg.err != nil {
			m.notice, m.failed = msg.err.Error(), true
			return m, nil
		}
		m.requests = msg.reqs
		m.table.SetRows(pendingRows(msg.reqs, time.Now()))
		return m, nil

	case decidedMsg:
		if msg.err != nil {
			m.notice, m.failed = msg.err.Error(), true
		} else {
			m.notice, m.failed = fmt.Sprintf("%s %s", msg.req.ID, msg.req.Status), false
		}
		return m, m.load

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			m.notice = ""
			return m, m.load
		case "a", "d":
			row := m.table.SelectedRow()
			if row == nil {
				return m, nil
			}
			return m, m.decide(msg.String() == "a", row[0])
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m reviewModel) View() string {
	var b strings.Builder
	b.WriteString(reviewTitleStyle.Render(fmt.Sprintf("Pending requests (%d)", len(m.requests))))
	b.WriteString("\n")
	b.WriteString(reviewTableStyle.Render(m.table.View()))
	b.WriteString("\n")

	if req, ok := m.selected(); ok {
		intent := fmt.Sprintf("%s\n%s", req.Intent.Summary, req.Intent.Description)
		b.WriteString(reviewIntentBox.Render(strings.TrimSpace(intent)))
		b.WriteString("\n")
	}
	if m.notice != "" {
		style := reviewOKStyle
		if m.failed {
			style = reviewErrStyle
		}
		b.WriteString(style.Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString(reviewHelpStyle.Render("a approve • d deny • r refresh • q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m reviewModel) selected() (access.Request, bool) {
	row := m.table.SelectedRow()
	if row == nil {
		return access.Request{}, false
	}
	for _, r := range m.requests {
		if r.ID == row[0] {
			return r, true
		}
	}
	return access.Request{}, false
}

func pendingRows(reqs []access.Request, now time.Time) []table.Row {
	rows := make([]table.Row, len(reqs))
	for i, r := range reqs {
		rows[i] = table.Row{
			r.ID,
			r.AgentID,
			r.ResourceID,
			r.Intent.TaskID,
			fmt.Sprintf("%ds", r.TTLRequested),
			now.Sub(r.CreatedAt).Truncate(time.Second).String(),
		}
	}
	return rows
}
