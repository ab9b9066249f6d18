package watch

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tether/internal/events"
)

const (
	feedDepth      = 50
	uiFrame        = time.Second
	healthEvery    = 5 * time.Second
	pluginsEvery   = 5 * time.Second
	reconnectDelay = 3 * time.Second
)

// Model drives the watch TUI: one screen with engine health, per-plugin
// session state, recent executions, and the raw event feed.
type Model struct {
	apiURL string
	token  string

	width  int
	height int

	health  HealthState
	plugins map[string]*PluginState
	turns   map[string]*TurnState
	feed    []events.Event
	lastSeq int64

	pulse    rotor
	activity meter

	theme  Theme
	cursor int

	hubEvents chan events.Event
	lastError string
}

// New creates a watch model pointed at the control API. An empty token sends
// no Authorization header, which suits engines running with an open local API.
func New(apiURL, token string) *Model {
	return &Model{
		apiURL:    apiURL,
		token:     token,
		plugins:   make(map[string]*PluginState),
		turns:     make(map[string]*TurnState),
		hubEvents: make(chan events.Event, 100),
		pulse:     newRotor(),
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.token, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.token) },
		func() tea.Msg { return fetchPlugins(m.apiURL, m.token) },
		after(uiFrame, func() tea.Msg { return tickMsg(time.Now()) }),
		tea.EnterAltScreen,
	)
}

// after schedules fn once the delay elapses.
func after(delay time.Duration, fn func() tea.Msg) tea.Cmd {
	return tea.Tick(delay, func(time.Time) tea.Msg { return fn() })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.pulse.advance()
		m.activity.fade()
		return m, after(uiFrame, func() tea.Msg { return tickMsg(time.Now()) })

	case eventMsg:
		return m.ingest(events.Event(msg))

	case healthMsg:
		m.health.Status = msg.Status
		m.health.Version = msg.Version
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.PluginsLoaded = msg.PluginsLoaded
		m.health.SessionsLive = msg.SessionsLive
		m.health.Passthrough = msg.Passthrough
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		m.lastError = ""
		return m, after(healthEvery, func() tea.Msg { return fetchHealth(m.apiURL, m.token) })

	case pluginsMsg:
		applyPluginsPoll(m.plugins, msg)
		if m.cursor >= len(m.plugins) {
			m.cursor = 0
		}
		return m, after(pluginsEvery, func() tea.Msg { return fetchPlugins(m.apiURL, m.token) })

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, after(reconnectDelay, func() tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.token, m.lastSeq, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, after(healthEvery, func() tea.Msg { return fetchHealth(m.apiURL, m.token) })
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.plugins)-1 {
			m.cursor++
		}
	}
	return m, nil
}

// ingest folds one hub event into the screen state. The feed renders newest
// first and the pending receive command is re-armed for the next event.
func (m Model) ingest(e events.Event) (tea.Model, tea.Cmd) {
	if e.Seq > m.lastSeq {
		m.lastSeq = e.Seq
	}
	m.feed = append([]events.Event{e}, m.feed...)
	if len(m.feed) > feedDepth {
		m.feed = m.feed[:feedDepth]
	}
	m.activity.bump()
	updatePluginState(m.plugins, e)
	updateTurnState(m.turns, e)
	m.health.Connected = true
	m.lastError = ""
	return m, receiveNextEvent(m.hubEvents)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to tether..."
	}

	sections := []string{
		renderHeader(m.health, m.pulse, m.activity, m.theme, m.width),
		renderPlugins(m.plugins, m.turns, m.cursor, m.theme, m.width),
		renderExecutions(m.turns, m.theme, m.width),
		renderEventStream(m.feed, m.theme, m.width),
	}
	if m.lastError != "" {
		sections = append(sections, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	sections = append(sections, m.theme.Dim.Render(" q quit · ↑/↓ select plugin"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, sections...),
	)
}
