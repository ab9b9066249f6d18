// Package tui holds the interactive terminal frontends: the passthrough chat
// client here, and the engine monitor under watch.
package tui

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/tether/internal/events"
)

// --- Styles ---

var (
	chatDocStyle = lipgloss.NewStyle().Margin(1, 2)

	chatBorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#2AA198"))

	youStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5FAFFF"))
	pluginStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00FF87"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#808080")).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))

	chatTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

// --- Types ---

// ChatModel drives an interactive passthrough conversation against a running
// engine: one execute turn to open the session, then input turns until the
// plugin releases it.
type ChatModel struct {
	apiURL   string
	token    string
	function string
	plugin   string // owner of function, resolved before the TUI starts

	width  int
	height int

	viewport  viewport.Model
	input     textinput.Model
	transcript []string

	busy     bool // a turn is in flight
	active   bool // plugin still holds the session
	finished bool
	chunks   int // stream chunks observed this turn
	lastErr  string

	hubEvents chan events.Event
}

type chatEventMsg events.Event

// turnMsg reports a finished execute or input turn.
type turnMsg struct {
	Success     bool   `json:"success"`
	Data        string `json:"data"`
	Response    string `json:"response"`
	KeepSession bool   `json:"keep_session"`
}

type chatErrMsg error

// NewChat creates a chat model. plugin must be the plugin providing function;
// it scopes which stream events belong to this conversation.
func NewChat(apiURL, token, function, plugin string) *ChatModel {
	ti := textinput.New()
	ti.Placeholder = "starting conversation..."
	ti.CharLimit = 4096

	vp := viewport.New(80, 20)

	return &ChatModel{
		apiURL:    apiURL,
		token:     token,
		function:  function,
		plugin:    plugin,
		viewport:  vp,
		input:     ti,
		busy:      true,
		active:    true,
		hubEvents: make(chan events.Event, 100),
	}
}

func (m ChatModel) Init() tea.Cmd {
	return tea.Batch(
		m.subscribeToEvents(),
		m.receiveNextEvent(),
		m.startTurn(),
		tea.EnterAltScreen,
	)
}

func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			if m.busy || m.finished {
				return m, nil
			}
			content := strings.TrimSpace(m.input.Value())
			if content == "" {
				return m, nil
			}
			m.appendLine(youStyle.Render("you ▸ ") + content)
			m.input.Reset()
			m.input.Blur()
			m.busy = true
			m.chunks = 0
			return m, m.sendTurn(content)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = m.width - 6
		m.viewport.Height = m.height - 8
		m.input.Width = m.width - 10
		m.refreshViewport()

	case chatEventMsg:
		e := events.Event(msg)
		if e.Type == events.TypeExecuteStream && e.Plugin == m.plugin {
			var data struct {
				Data string `json:"data"`
			}
			_ = json.Unmarshal(e.Data, &data)
			m.chunks++
			m.appendLine(pluginStyle.Render(m.plugin+" ▸ ") + data.Data)
		}
		cmds = append(cmds, m.receiveNextEvent())

	case turnMsg:
		m.busy = false
		m.lastErr = ""
		// Chunks already landed via the event stream; fall back to the
		// accumulated response when none were observed (stream gap).
		if m.chunks == 0 && msg.Response != "" {
			m.appendLine(pluginStyle.Render(m.plugin+" ▸ ") + msg.Response)
		}
		m.chunks = 0
		if msg.KeepSession {
			m.input.Placeholder = "type a message (esc to leave)"
			m.input.Focus()
		} else {
			m.finished = true
			m.active = false
			closing := msg.Data
			if closing == "" {
				closing = "conversation closed"
			}
			m.appendLine(noticeStyle.Render("· " + closing))
			m.input.Blur()
			m.input.Placeholder = "session released"
		}

	case chatErrMsg:
		m.busy = false
		m.lastErr = msg.Error()
		m.appendLine(errorStyle.Render("error: " + m.lastErr))
		if !m.finished {
			m.input.Focus()
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m *ChatModel) appendLine(line string) {
	m.transcript = append(m.transcript, line)
	m.refreshViewport()
}

func (m *ChatModel) refreshViewport() {
	m.viewport.SetContent(strings.Join(m.transcript, "\n"))
	m.viewport.GotoBottom()
}

func (m ChatModel) View() string {
	if m.width == 0 {
		return "Connecting to tether..."
	}

	state := pluginStyle.Render("● live")
	switch {
	case m.finished:
		state = noticeStyle.Render("○ closed")
	case m.busy:
		state = youStyle.Render("… waiting")
	}
	title := chatTitleStyle.Render(fmt.Sprintf("CHAT %s/%s", m.plugin, m.function)) + " " + state

	conversation := chatBorderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, m.viewport.View()),
	)
	inputBox := chatBorderStyle.Width(m.width - 4).Render(" " + m.input.View())

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).
		Render(" [enter] Send • [esc] Quit")

	return chatDocStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left, conversation, inputBox, help),
	)
}

// --- Commands ---

func (m ChatModel) subscribeToEvents() tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, m.apiURL+"/v1/events", nil)
		if err != nil {
			return chatErrMsg(err)
		}
		m.setAuth(req)

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return chatErrMsg(err)
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				var ev events.Event
				if err := json.Unmarshal([]byte(line[6:]), &ev); err == nil {
					m.hubEvents <- ev
				}
			}
		}
		return nil
	}
}

func (m ChatModel) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		return chatEventMsg(<-m.hubEvents)
	}
}

// startTurn opens the conversation with one execute turn.
func (m ChatModel) startTurn() tea.Cmd {
	body := map[string]any{"function": m.function}
	return m.postTurn(m.apiURL+"/v1/execute", body)
}

// sendTurn forwards one user utterance as an input turn.
func (m ChatModel) sendTurn(content string) tea.Cmd {
	body := map[string]any{"content": content}
	return m.postTurn(m.apiURL+"/v1/input", body)
}

func (m ChatModel) postTurn(url string, body map[string]any) tea.Cmd {
	return func() tea.Msg {
		payload, err := json.Marshal(body)
		if err != nil {
			return chatErrMsg(err)
		}
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return chatErrMsg(err)
		}
		req.Header.Set("Content-Type", "application/json")
		m.setAuth(req)

		// Execute turns may legitimately take up to the execute deadline.
		client := &http.Client{Timeout: 60 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return chatErrMsg(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var apiErr struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&apiErr)
			if apiErr.Error == "" {
				apiErr.Error = resp.Status
			}
			return chatErrMsg(fmt.Errorf("%s", apiErr.Error))
		}

		var turn turnMsg
		if err := json.NewDecoder(resp.Body).Decode(&turn); err != nil {
			return chatErrMsg(err)
		}
		return turn
	}
}

func (m ChatModel) setAuth(req *http.Request) {
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}
}
