// Package statusui renders a live bubbletea dashboard of the worker
// daemon's in-flight tasks (SPEC_FULL §4.8, `--tui`). It is purely
// observational, fed by Runtime.OnStatusChange snapshots over a channel —
// it never touches dispatch logic.
package statusui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/coretask/boardqueue/internal/workerrun"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	idStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type snapshotMsg workerrun.Snapshot

type model struct {
	snapshot   workerrun.Snapshot
	startedAt  time.Time
	updates    <-chan workerrun.Snapshot
	taskStart  map[string]time.Time
}

func waitForUpdate(updates <-chan workerrun.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-updates
		if !ok {
			return nil
		}
		return snapshotMsg(snap)
	}
}

func (m model) Init() tea.Cmd {
	return waitForUpdate(m.updates)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case snapshotMsg:
		snap := workerrun.Snapshot(msg)
		m.snapshot = snap
		seen := make(map[string]struct{}, len(snap.RunningTaskIDs))
		for _, id := range snap.RunningTaskIDs {
			seen[id] = struct{}{}
			if _, ok := m.taskStart[id]; !ok {
				m.taskStart[id] = time.Now()
			}
		}
		for id := range m.taskStart {
			if _, ok := seen[id]; !ok {
				delete(m.taskStart, id)
			}
		}
		return m, waitForUpdate(m.updates)
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("boardqueue worker") + "\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("worker_id=%s status=%s uptime=%s",
		m.snapshot.Worker.ID, m.snapshot.Worker.Status, time.Since(m.startedAt).Round(time.Second))) + "\n\n")

	if len(m.snapshot.RunningTaskIDs) == 0 {
		b.WriteString(dimStyle.Render("no tasks in flight") + "\n")
	} else {
		for _, id := range m.snapshot.RunningTaskIDs {
			elapsed := time.Duration(0)
			if start, ok := m.taskStart[id]; ok {
				elapsed = time.Since(start).Round(time.Second)
			}
			b.WriteString(idStyle.Render(id) + " " + statusStyle.Render(fmt.Sprintf("running %s", elapsed)) + "\n")
		}
	}
	b.WriteString("\n" + dimStyle.Render("q to quit") + "\n")
	return b.String()
}

// Run starts the dashboard program, consuming snapshots from updates until
// the user quits or the program errors. It blocks until the program exits.
func Run(updates <-chan workerrun.Snapshot) error {
	m := model{
		startedAt: time.Now(),
		updates:   updates,
		taskStart: make(map[string]time.Time),
	}
	p := tea.NewProgram(m)
	_, err := p.Run()
	return err
}
