package progress

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

type segmentDoneMsg struct {
	bytes  int64
	reused bool
}

type segmentFailedMsg struct{ sequence int }

type partDoneMsg struct{ partID int }

type stageMsg struct{ name string }

type shutdownMsg struct{}

type dashboardModel struct {
	title         string
	totalSegments int
	totalParts    int

	done      int
	reused    int
	failed    int
	bytes     int64
	partsDone int
	stage     string
	width     int

	bar progress.Model
}

func newDashboardModel(title string, totalSegments, totalParts int) dashboardModel {
	bar := progress.New(progress.WithDefaultGradient())
	return dashboardModel{
		title:         title,
		totalSegments: totalSegments,
		totalParts:    totalParts,
		stage:         "starting",
		bar:           bar,
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return nil
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width - 4
		if m.bar.Width > 60 {
			m.bar.Width = 60
		}
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case segmentDoneMsg:
		m.done++
		m.bytes += msg.bytes
		if msg.reused {
			m.reused++
		}
	case segmentFailedMsg:
		m.failed++
	case partDoneMsg:
		m.partsDone++
	case stageMsg:
		m.stage = msg.name
	case shutdownMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m dashboardModel) View() string {
	pct := 0.0
	if m.totalSegments > 0 {
		pct = float64(m.done) / float64(m.totalSegments)
	}

	counts := fmt.Sprintf("segments %d/%d", m.done, m.totalSegments)
	if m.reused > 0 {
		counts += mutedStyle.Render(fmt.Sprintf("  reused %d", m.reused))
	}
	if m.failed > 0 {
		counts += "  " + failStyle.Render(fmt.Sprintf("failed %d", m.failed))
	}
	counts += fmt.Sprintf("  parts %d/%d  %s", m.partsDone, m.totalParts, humanBytes(m.bytes))

	lines := []string{
		titleStyle.Render(m.title),
		m.bar.ViewAs(pct),
		counts,
		mutedStyle.Render(m.stage),
	}
	return strings.Join(lines, "\n") + "\n"
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Dashboard is the live terminal Sink. It owns a bubbletea program rendering
// to stderr so the artifact path printed on stdout stays clean.
type Dashboard struct {
	prog *tea.Program
	done chan struct{}
}

// NewDashboard builds a dashboard for one job.
func NewDashboard(title string, totalSegments, totalParts int) *Dashboard {
	model := newDashboardModel(title, totalSegments, totalParts)
	prog := tea.NewProgram(model, tea.WithOutput(os.Stderr), tea.WithoutSignalHandler())
	return &Dashboard{prog: prog, done: make(chan struct{})}
}

// Start launches the render loop.
func (d *Dashboard) Start() {
	go func() {
		defer close(d.done)
		_, _ = d.prog.Run()
	}()
}

// Stop tears the dashboard down and waits for the terminal to be restored.
func (d *Dashboard) Stop() {
	d.prog.Send(shutdownMsg{})
	<-d.done
}

func (d *Dashboard) Stage(name string) {
	d.prog.Send(stageMsg{name: name})
}

func (d *Dashboard) SegmentDone(sequence int, bytes int64, reused bool) {
	d.prog.Send(segmentDoneMsg{bytes: bytes, reused: reused})
}

func (d *Dashboard) SegmentFailed(sequence int) {
	d.prog.Send(segmentFailedMsg{sequence: sequence})
}

func (d *Dashboard) PartDone(partID int) {
	d.prog.Send(partDoneMsg{partID: partID})
}
