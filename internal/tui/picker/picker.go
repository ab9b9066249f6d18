// Package picker implements a terminal function picker: a single-select list
// of every function the engine exposes, used when tether chat is started
// without naming one.
package picker

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle      = lipgloss.NewStyle().MarginLeft(2)
	paginationStyle = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	helpStyle       = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)
	quitTextStyle   = lipgloss.NewStyle().Margin(1, 0, 2, 4)
)

// Entry is one selectable function.
type Entry struct {
	Function    string
	Plugin      string
	Description string
}

type item struct {
	entry Entry
}

func (i item) Title() string { return i.entry.Function }
func (i item) Description() string {
	if i.entry.Description != "" {
		return fmt.Sprintf("%s: %s", i.entry.Plugin, i.entry.Description)
	}
	return "provided by " + i.entry.Plugin
}
func (i item) FilterValue() string { return i.entry.Function }

// Model wraps the list until the user confirms or cancels.
type Model struct {
	list     list.Model
	choice   string
	quitting bool
}

// New creates a picker over entries. Order is preserved. The model is a
// value so the final model returned by tea.Program.Run can be asserted back
// to Model to read the choice.
func New(entries []Entry) Model {
	items := make([]list.Item, 0, len(entries))
	for _, e := range entries {
		items = append(items, item{entry: e})
	}

	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Select a function (Enter to start, q to cancel)"
	l.Styles.Title = titleStyle
	l.Styles.PaginationStyle = paginationStyle
	l.Styles.HelpStyle = helpStyle

	return Model{list: l}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width, msg.Height)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit

		case "enter":
			if it, ok := m.list.SelectedItem().(item); ok {
				m.choice = it.entry.Function
			}
			return m, tea.Quit
		}
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.quitting {
		return quitTextStyle.Render("Cancelled.")
	}
	if m.choice != "" {
		return quitTextStyle.Render("Starting " + m.choice + "...")
	}
	return "\n" + m.list.View()
}

// Choice returns the selected function name, or "" when the picker was
// cancelled.
func (m Model) Choice() string {
	return m.choice
}
