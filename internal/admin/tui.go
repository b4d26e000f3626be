// Package admin is a terminal dashboard over both memory scopes.
package admin

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/xiy/agent-memory/internal/memory"
	"github.com/xiy/agent-memory/pkg/types"
)

type tickMsg time.Time
type dashboardMsg struct {
	scopes   []memory.ScopeOverview
	err      error
	duration time.Duration
}
type consolidatedMsg struct {
	res types.ConsolidationResult
	err error
}

type dashboardSource interface {
	Overview(ctx context.Context) ([]memory.ScopeOverview, error)
	Consolidate(ctx context.Context) (types.ConsolidationResult, error)
}

type model struct {
	ctx         context.Context
	src         dashboardSource
	scopes      []memory.ScopeOverview
	lastErr     error
	lastTick    time.Time
	logLines    []string
	maxLogs     int
	blocksLimit int
	width       int
	height      int
}

// Run starts a lightweight local admin dashboard.
func Run(ctx context.Context, src dashboardSource) error {
	m := model{
		ctx:         ctx,
		src:         src,
		maxLogs:     10,
		blocksLimit: 8,
	}
	m = m.appendLog("admin UI started")
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchDashboardCmd(m.ctx, m.src), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m = m.appendLog("received quit signal")
			return m, tea.Quit
		case "c":
			m = m.appendLog("consolidating")
			return m, consolidateCmd(m.ctx, m.src)
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case tickMsg:
		m.lastTick = time.Time(msg)
		return m, tea.Batch(fetchDashboardCmd(m.ctx, m.src), tickCmd())
	case consolidatedMsg:
		if msg.err != nil {
			m = m.appendLog(fmt.Sprintf("consolidation error: %v", msg.err))
			return m, nil
		}
		m = m.appendLog(fmt.Sprintf(
			"consolidated=%d decayed=%d reinforced=%d (%s)",
			msg.res.BlocksConsolidated,
			msg.res.BlocksDecayed,
			msg.res.PatternsReinforced,
			formatDuration(msg.res.Duration),
		))
		return m, fetchDashboardCmd(m.ctx, m.src)
	case dashboardMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.scopes = msg.scopes
			var blocks, messages int64
			for _, sc := range msg.scopes {
				blocks += sc.Stats.Blocks
				messages += sc.Stats.Messages
			}
			m = m.appendLog(fmt.Sprintf(
				"refresh ok blocks=%d messages=%d (%s)",
				blocks,
				messages,
				formatDuration(msg.duration),
			))
		} else {
			m = m.appendLog(fmt.Sprintf("refresh error: %v", msg.err))
		}
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Render("agent-memory admin")
	meta := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render("q to quit • c to consolidate • refresh every 2s")

	logBody := "(no log events yet)"
	if len(m.logLines) > 0 {
		logBody = strings.Join(m.logLines, "\n")
	}

	paneWidth := 54
	if m.width > 0 {
		paneWidth = max(38, (m.width-3)/2)
	}
	paneHeight := 9
	if m.height > 0 {
		paneHeight = max(8, (m.height-8)/2)
	}

	topRow := joinColumns(
		renderPane("Scopes", m.renderStats(), paneWidth, paneHeight),
		renderPane("General Logs", logBody, paneWidth, paneHeight),
	)
	bottom := renderPane("Recent Blocks", formatRecentBlocksPane(m.scopes, m.blocksLimit, time.Now()), 2*paneWidth+1, paneHeight)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		meta,
		"",
		topRow,
		bottom,
	)
}

func (m model) renderStats() string {
	lines := make([]string, 0, len(m.scopes)*3+2)
	for _, sc := range m.scopes {
		lines = append(lines,
			fmt.Sprintf("%-8s %s", sc.Scope, truncateText(sc.Path, 40)),
			fmt.Sprintf("  blocks %d  messages %d  agents %d  schema v%d",
				sc.Stats.Blocks, sc.Stats.Messages, sc.Stats.Agents, sc.Stats.SchemaVersion),
		)
	}
	lines = append(lines, "Last refresh:    "+formatTime(m.lastTick))
	body := strings.Join(lines, "\n")
	if m.lastErr != nil {
		body += "\n\nLast error: " + truncateText(compactWhitespace(m.lastErr.Error()), 120)
	}
	return body
}

func fetchDashboardCmd(ctx context.Context, src dashboardSource) tea.Cmd {
	return func() tea.Msg {
		start := time.Now()
		scopes, err := src.Overview(ctx)
		return dashboardMsg{scopes: scopes, err: err, duration: time.Since(start)}
	}
}

func consolidateCmd(ctx context.Context, src dashboardSource) tea.Cmd {
	return func() tea.Msg {
		res, err := src.Consolidate(ctx)
		return consolidatedMsg{res: res, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func (m model) appendLog(line string) model {
	if strings.TrimSpace(line) == "" {
		return m
	}
	entry := fmt.Sprintf("[%s] %s", time.Now().UTC().Format("15:04:05"), line)
	m.logLines = append(m.logLines, entry)
	if m.maxLogs <= 0 {
		m.maxLogs = 10
	}
	if len(m.logLines) > m.maxLogs {
		m.logLines = m.logLines[len(m.logLines)-m.maxLogs:]
	}
	return m
}

func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return d.String()
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(10 * time.Millisecond).String()
}

func renderPane(title, body string, width, height int) string {
	style := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	if width > 0 {
		style = style.Width(width)
	}
	if height > 0 {
		style = style.Height(height)
	}
	return style.Render(title + "\n\n" + body)
}

func joinColumns(left, right string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, left, " ", right)
}

// formatRecentBlocksPane lists the most recently updated blocks across scopes.
func formatRecentBlocksPane(scopes []memory.ScopeOverview, limit int, now time.Time) string {
	var blocks []types.MemoryBlock
	for _, sc := range scopes {
		blocks = append(blocks, sc.Recent...)
	}
	if len(blocks) == 0 {
		return "(no blocks yet)"
	}
	sort.SliceStable(blocks, func(i, j int) bool {
		return blocks[i].UpdatedAt.After(blocks[j].UpdatedAt)
	})
	if limit > 0 && len(blocks) > limit {
		blocks = blocks[:limit]
	}
	lines := make([]string, 0, len(blocks))
	for _, blk := range blocks {
		scope := "P"
		if blk.Scope == types.ScopeGlobal {
			scope = "G"
		}
		line := fmt.Sprintf(
			"[%s] %s %-11s v%-3d %s",
			formatClock(blk.UpdatedAt),
			scope,
			blk.Type,
			blk.Version,
			humanize.RelTime(blk.UpdatedAt, now, "ago", "from now"),
		)
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func formatClock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

func truncateText(s string, limit int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func compactWhitespace(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
