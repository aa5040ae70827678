package ui

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	psutil "github.com/shirou/gopsutil/v3/cpu"
	psmem "github.com/shirou/gopsutil/v3/mem"

	"xleth/internal/api"
)

// Styles
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Padding(0, 2).
			Bold(true).
			Width(80)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 2).
			Width(80)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#2563EB")).
			Padding(0, 1)

	logViewStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#9CA3AF"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF")).
			Width(14)

	copyNoticeStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#10B981")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 2).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF")).
			Italic(true)

	solutionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#34D399")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)
)

const maxEvents = 50

// Source is the controller API the monitor polls.
type Source interface {
	GetHealth() (*api.HealthResponse, error)
	GetMetrics() (*api.MetricsResponse, error)
	GetSolution() (*api.SolutionResponse, error)
	Stop() (bool, error)
}

// Messages
type (
	pollMsg struct {
		health   *api.HealthResponse
		metrics  *api.MetricsResponse
		solution *api.SolutionResponse
		err      error
	}
	updateResourceDataMsg struct{ data string }
	hideCopyNoticeMsg     struct{}
	stopResultMsg         struct {
		stopped bool
		err     error
	}
)

// Model is the monitor state
type Model struct {
	Source       Source
	PollInterval time.Duration
	Copy         func(string) error

	Health   *api.HealthResponse
	Metrics  *api.MetricsResponse
	Solution *api.SolutionResponse
	Err      error

	Events   []string
	EventLog viewport.Model
	DAGBar   progress.Model

	ResourceData   string
	ShowCopyNotice bool
	Width          int
	Height         int
}

// NewModel creates a monitor polling src.
func NewModel(src Source, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	bar := progress.New(progress.WithDefaultGradient())
	bar.Width = 60

	log := viewport.New(76, 8)
	log.Style = logViewStyle

	m := Model{
		Source:       src,
		PollInterval: interval,
		Copy:         clipboard.WriteAll,
		EventLog:     log,
		DAGBar:       bar,
		Events:       []string{"Waiting for controller..."},
		Width:        80,
		Height:       24,
	}
	m.updateEventLog()
	return m
}

// Init starts polling
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tea.ClearScreen,
		m.poll(),
		m.updateResourceData(),
	)
}

// Update handles UI updates
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s":
			cmds = append(cmds, m.stop())
		case "c":
			cmds = append(cmds, m.copySolution())
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.DAGBar.Width = max(10, msg.Width-20)
		m.EventLog.Width = max(20, msg.Width-4)
		m.EventLog.Height = max(3, msg.Height-16)
		m.updateEventLog()

	case pollMsg:
		m.applyPoll(msg)
		cmds = append(cmds, m.poll())

	case stopResultMsg:
		switch {
		case msg.err != nil:
			m.addEvent(errorStyle.Render("stop failed: " + msg.err.Error()))
		case msg.stopped:
			m.addEvent("search stop requested")
		default:
			m.addEvent("no search running")
		}

	case updateResourceDataMsg:
		m.ResourceData = msg.data
		cmds = append(cmds, m.updateResourceData())

	case hideCopyNoticeMsg:
		m.ShowCopyNotice = false

	default:
		var cmd tea.Cmd
		m.EventLog, cmd = m.EventLog.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) applyPoll(msg pollMsg) {
	if msg.err != nil {
		if m.Err == nil {
			m.addEvent(errorStyle.Render("controller unreachable: " + msg.err.Error()))
		}
		m.Err = msg.err
		return
	}
	if m.Err != nil {
		m.addEvent("controller reachable")
	}
	m.Err = nil

	if msg.metrics != nil {
		prev := ""
		if m.Metrics != nil {
			prev = m.Metrics.Phase
		}
		if msg.metrics.Phase != prev {
			m.addEvent(fmt.Sprintf("phase %s", msg.metrics.Phase))
		}
		if msg.metrics.LastError != "" && (m.Metrics == nil || m.Metrics.LastError != msg.metrics.LastError) {
			m.addEvent(errorStyle.Render(msg.metrics.LastError))
		}
		m.Metrics = msg.metrics
	}
	if msg.health != nil {
		m.Health = msg.health
	}
	if msg.solution != nil && (m.Solution == nil || *m.Solution != *msg.solution) {
		m.addEvent(solutionStyle.Render(fmt.Sprintf("solution nonce %s", msg.solution.NonceHex)))
		m.Solution = msg.solution
	}
}

func (m *Model) addEvent(line string) {
	stamp := time.Now().Format("15:04:05")
	m.Events = append(m.Events, stamp+" "+line)
	if len(m.Events) > maxEvents {
		m.Events = m.Events[len(m.Events)-maxEvents:]
	}
	m.updateEventLog()
}

func (m *Model) updateEventLog() {
	width := m.EventLog.Width - 2
	var b strings.Builder
	for i, e := range m.Events {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(ansi.Wordwrap(e, width, " \t"))
	}
	m.EventLog.SetContent(b.String())
	m.EventLog.GotoBottom()
}

// DAGProgress is the fraction of DAG chunks launched.
func (m Model) DAGProgress() float64 {
	if m.Metrics == nil || m.Metrics.DAGChunksTotal == 0 {
		return 0
	}
	return float64(m.Metrics.DAGChunksDone) / float64(m.Metrics.DAGChunksTotal)
}

// View renders the UI
func (m Model) View() string {
	state := "connecting"
	if m.Err != nil {
		state = "unreachable"
	} else if m.Health != nil {
		state = fmt.Sprintf("%s (%s)", m.Health.Status, m.Health.Backend)
	}
	title := ansi.Truncate(" xleth monitor | "+state, max(10, m.Width-4), "…")
	header := headerStyle.Width(m.Width).Render(title)

	sections := []string{header, m.renderMetrics(), m.EventLog.View()}
	if m.ShowCopyNotice {
		sections = append(sections, copyNoticeStyle.Render("Solution copied to clipboard"))
	}
	sections = append(sections,
		helpStyle.Render("q quit • s stop search • c copy solution"),
		footerStyle.Width(m.Width).Render(m.ResourceData),
	)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderMetrics() string {
	row := func(label, value string) string {
		return labelStyle.Render(label) + value
	}
	if m.Metrics == nil {
		return panelStyle.Width(m.Width - 4).Render(row("Phase", "unknown"))
	}
	mt := m.Metrics

	rows := []string{
		row("Phase", mt.Phase),
		row("Platform", mt.Platform),
	}
	if mt.HaveEpoch {
		rows = append(rows, row("Epoch", fmt.Sprintf("%d (DAG %d MiB, %.1fs)", mt.Epoch, mt.DagSize>>20, mt.DAGSeconds)))
	}
	rows = append(rows, row("DAG", m.DAGBar.ViewAs(m.DAGProgress())))
	rows = append(rows,
		row("Target", mt.Target),
		row("Nonce", fmt.Sprintf("%d (start %d)", mt.CurrentNonce, mt.StartNonce)),
		row("Passes", fmt.Sprintf("%d x %d", mt.Passes, mt.GlobalWorkSize)),
		row("Hash rate", fmt.Sprintf("%.2f MH/s", mt.HashRateMHs)),
	)
	if m.Solution != nil {
		rows = append(rows,
			row("Solution", solutionStyle.Render(m.Solution.NonceHex)),
			row("Mix hash", ansi.Truncate(m.Solution.MixHash, max(10, m.Width-22), "…")),
		)
	}
	return panelStyle.Width(m.Width - 4).Render(strings.Join(rows, "\n"))
}

func (m Model) poll() tea.Cmd {
	src := m.Source
	return tea.Tick(m.PollInterval, func(time.Time) tea.Msg {
		return fetch(src)
	})
}

func fetch(src Source) pollMsg {
	health, err := src.GetHealth()
	if err != nil {
		return pollMsg{err: err}
	}
	metrics, err := src.GetMetrics()
	if err != nil {
		return pollMsg{err: err}
	}
	solution, err := src.GetSolution()
	if err != nil {
		return pollMsg{err: err}
	}
	return pollMsg{health: health, metrics: metrics, solution: solution}
}

func (m Model) stop() tea.Cmd {
	src := m.Source
	return func() tea.Msg {
		stopped, err := src.Stop()
		return stopResultMsg{stopped: stopped, err: err}
	}
}

func (m *Model) copySolution() tea.Cmd {
	if m.Solution == nil {
		m.addEvent("no solution to copy")
		return nil
	}
	text := fmt.Sprintf("%s %s", m.Solution.NonceHex, m.Solution.MixHash)
	if err := m.Copy(text); err != nil {
		m.addEvent(errorStyle.Render("copy failed: " + err.Error()))
		return nil
	}
	m.ShowCopyNotice = true
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg {
		return hideCopyNoticeMsg{}
	})
}

// updateResourceData updates resource usage information
func (m Model) updateResourceData() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		data := fmt.Sprintf("Go: %s", runtime.Version())
		if cpuPercent, err := psutil.Percent(0, false); err == nil && len(cpuPercent) > 0 {
			data = fmt.Sprintf("CPU: %.1f%% | %s", cpuPercent[0], data)
		}
		if memInfo, err := psmem.VirtualMemory(); err == nil {
			data = fmt.Sprintf("%s | RAM: %.1f%%", data, memInfo.UsedPercent)
		}
		return updateResourceDataMsg{data}
	})
}
