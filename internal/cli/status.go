package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ChuLiYu/flowpool/internal/registry"
	"github.com/ChuLiYu/flowpool/pkg/types"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	busyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

var statusOrder = []types.JobStatus{
	types.StatusPending, types.StatusNoWorker, types.StatusAssigned, types.StatusRunning,
	types.StatusCompleted, types.StatusFailed, types.StatusCanceled,
}

func stateStyle(s types.WorkerState) lipgloss.Style {
	switch s {
	case types.WorkerIdle:
		return okStyle
	case types.WorkerBusy:
		return busyStyle
	default:
		return errorStyle
	}
}

func renderStatus(server string, workers []registry.Worker, stats statsResponse) string {
	header := titleStyle.Render("flowpool") + " " + mutedStyle.Render(server)

	var rows []string
	if len(workers) == 0 {
		rows = append(rows, mutedStyle.Render("no workers registered"))
	}
	for _, w := range workers {
		line := fmt.Sprintf("%-20s %s  prio %d", w.ID, stateStyle(w.State).Render(fmt.Sprintf("%-7s", w.State)), w.Priority)
		if w.JobID != "" {
			line += "  job " + string(w.JobID)
		}
		if w.Degraded {
			line += "  " + errorStyle.Render("degraded")
		}
		if len(w.Blocked) > 0 {
			line += "  " + mutedStyle.Render(fmt.Sprintf("blocked for %d workflow(s)", len(w.Blocked)))
		}
		rows = append(rows, line)
	}
	workerPanel := panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		append([]string{titleStyle.Render("Workers")}, rows...)...))

	var jobs []string
	for _, s := range statusOrder {
		jobs = append(jobs, fmt.Sprintf("%s %d", s, stats.Jobs[s]))
	}
	groups := make([]string, 0, len(stats.Queue))
	for g := range stats.Queue {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	queue := make([]string, 0, len(groups))
	for _, g := range groups {
		queue = append(queue, fmt.Sprintf("%s=%d", shortFP(g), stats.Queue[g]))
	}
	if len(queue) == 0 {
		queue = append(queue, "empty")
	}
	jobPanel := panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("Jobs"),
		strings.Join(jobs, "  "),
		mutedStyle.Render("queue: "+strings.Join(queue, " ")),
	))

	return lipgloss.JoinVertical(lipgloss.Left, header, workerPanel, jobPanel)
}
