package watch

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/tether/internal/events"
)

// --- Message types ---

type eventMsg events.Event

type healthMsg struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	PluginsLoaded int    `json:"plugins_loaded"`
	SessionsLive  int    `json:"sessions_live"`
	Passthrough   string `json:"passthrough"`
}

// pluginRow mirrors one entry of GET /v1/plugins.
type pluginRow struct {
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Functions   []string    `json:"functions"`
	Persistent  bool        `json:"persistent"`
	Passthrough bool        `json:"passthrough"`
	Enabled     bool        `json:"enabled"`
	Status      string      `json:"status"`
	LastError   *string     `json:"last_error"`
	Session     *sessionRow `json:"session"`
}

// sessionRow mirrors the session snapshot embedded in a plugin row.
type sessionRow struct {
	ID                string    `json:"id"`
	Phase             string    `json:"phase"`
	StartedAt         time.Time `json:"started_at"`
	LastPongAt        time.Time `json:"last_pong_at"`
	MissedPings       int       `json:"missed_pings"`
	PassthroughActive bool      `json:"passthrough_active"`
	PendingRequests   int       `json:"pending_requests"`
}

type pluginsMsg []pluginRow

type tickMsg time.Time

type errMsg error

type sseDisconnectedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents connects to the SSE /v1/events endpoint and feeds decoded
// events into ch. lastSeq resumes the stream after a reconnect; the server
// replays buffered events with higher sequence numbers first. Returns
// sseDisconnectedMsg when the connection drops.
func subscribeToEvents(apiURL, token string, lastSeq int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/v1/events", nil)
		if err != nil {
			return errMsg(err)
		}
		setAuth(req, token)
		if lastSeq > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastSeq, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return sseDisconnectedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return sseDisconnectedMsg{}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if data != "" {
					var ev events.Event
					if err := json.Unmarshal([]byte(data), &ev); err == nil {
						ch <- ev
					}
					data = ""
				}
			case strings.HasPrefix(line, "data: "):
				data = line[len("data: "):]
			default:
				// id: and event: lines are redundant; the payload carries
				// both fields. Comment lines are keep-alives.
			}
		}

		return sseDisconnectedMsg{}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(apiURL, token string) tea.Msg {
	resp, err := apiGet(apiURL+"/healthz", token)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}

// fetchPlugins queries GET /v1/plugins.
func fetchPlugins(apiURL, token string) tea.Msg {
	resp, err := apiGet(apiURL+"/v1/plugins", token)
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var body struct {
		Plugins []pluginRow `json:"plugins"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errMsg(err)
	}
	return pluginsMsg(body.Plugins)
}

func apiGet(url, token string) (*http.Response, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	setAuth(req, token)
	return client.Do(req)
}

func setAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
