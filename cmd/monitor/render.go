package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"taskdelegate/internal/domain"
)

var statusColors = map[domain.TaskStatus]tcell.Color{
	domain.TaskStatusPending:   tcell.ColorYellow,
	domain.TaskStatusAssigned:  tcell.ColorAqua,
	domain.TaskStatusRunning:   tcell.ColorBlue,
	domain.TaskStatusCompleted: tcell.ColorGreen,
	domain.TaskStatusFailed:    tcell.ColorRed,
	domain.TaskStatusCancelled: tcell.ColorGray,
}

func renderTasksTable(table *tview.Table, tasks []domain.Task, selectedTaskID string) {
	table.Clear()
	headers := []string{"Task", "Status", "Prio", "Agent", "Try", "Group", "Operation"}
	for i, h := range headers {
		table.SetCell(0, i, tview.NewTableCell(h).SetSelectable(false).SetAttributes(tcell.AttrBold))
	}
	for i, t := range tasks {
		row := i + 1
		color, ok := statusColors[t.Status]
		if !ok {
			color = tcell.ColorWhite
		}
		table.SetCell(row, 0, tview.NewTableCell(shortID(t.ID)))
		table.SetCell(row, 1, tview.NewTableCell(string(t.Status)).SetTextColor(color))
		table.SetCell(row, 2, tview.NewTableCell(t.Priority.String()))
		table.SetCell(row, 3, tview.NewTableCell(shortID(t.AssignedAgent)))
		table.SetCell(row, 4, tview.NewTableCell(fmt.Sprint(t.Attempts())))
		table.SetCell(row, 5, tview.NewTableCell(shortID(t.GroupID)))
		table.SetCell(row, 6, tview.NewTableCell(trimLine(t.Payload.Operation, 32)))
		if t.ID == selectedTaskID {
			table.Select(row, 0)
		}
	}
}

func renderAgents(agents []domain.Agent) string {
	if len(agents) == 0 {
		return "No agents"
	}
	var b strings.Builder
	for _, a := range agents {
		reserved := ""
		if a.Reserved {
			reserved = " [red]exclusive[-]"
		}
		b.WriteString(fmt.Sprintf(
			"%-18s %-8s load=%d/%d ok=%d err=%d rate=%.0f%% avg=%s%s\n",
			trimLine(a.Name, 18),
			a.Status,
			a.CurrentLoad,
			a.MaxConcurrentTasks,
			a.Metrics.TasksCompleted,
			a.Metrics.ErrorCount,
			a.Metrics.SuccessRate*100,
			a.Metrics.AvgExecutionTime.Round(1e6),
			reserved,
		))
	}
	return b.String()
}

func renderStats(s domain.Statistics) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("strategy=%s  agents=%d available=%d load=%d/%d\n",
		s.Performance.Strategy, s.Agents.Total, s.Agents.Available, s.Agents.Load, s.Agents.Capacity))
	b.WriteString(fmt.Sprintf("tasks=%d queued=%d ready=%d retries=%d  %s\n",
		s.Tasks.Total, s.Tasks.Queued, s.Tasks.Ready, s.Tasks.Retries, countsLine(s.Tasks.ByStatus)))
	b.WriteString(fmt.Sprintf("groups=%d active=%d completed=%d cancelled=%d  success=%.0f%% avg=%s\n",
		s.Groups.Total, s.Groups.Active, s.Groups.Completed, s.Groups.Cancelled,
		s.Performance.SuccessRate*100, s.Performance.AvgExecutionTime.Round(1e6)))
	if n := len(s.Tasks.Unschedulable); n > 0 {
		b.WriteString(fmt.Sprintf("[yellow]unschedulable=%d[-] %s\n", n, shortIDs(s.Tasks.Unschedulable)))
	}
	if n := len(s.Tasks.Blocked); n > 0 {
		b.WriteString(fmt.Sprintf("[red]blocked=%d[-] %s\n", n, shortIDs(s.Tasks.Blocked)))
	}
	return b.String()
}

func renderEvents(events []domain.Event) string {
	if len(events) == 0 {
		return "No events"
	}
	var b strings.Builder
	for _, e := range events {
		b.WriteString(fmt.Sprintf("[%s] %-20s", e.At.Format("15:04:05.000"), e.Type))
		if e.TaskID != "" {
			b.WriteString(" task=" + shortID(e.TaskID))
		}
		if e.AgentID != "" {
			b.WriteString(" agent=" + shortID(e.AgentID))
		}
		if e.GroupID != "" {
			b.WriteString(" group=" + shortID(e.GroupID))
		}
		if e.Attempt > 0 {
			b.WriteString(fmt.Sprintf(" attempt=%d", e.Attempt))
		}
		b.WriteString("\n")
		if e.Error != "" {
			b.WriteString("  [red]error:[-] " + trimLine(e.Error, 120) + "\n")
		}
		if e.Aggregation != nil {
			b.WriteString(fmt.Sprintf("  completed=%d failed=%d elapsed=%s\n",
				e.Aggregation.Completed, e.Aggregation.Failed, e.Aggregation.ExecutionTime.Round(1e6)))
		}
	}
	return b.String()
}

func countsLine(m map[domain.TaskStatus]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[domain.TaskStatus(k)]))
	}
	return strings.Join(parts, " ")
}

func shortIDs(ids []string) string {
	out := make([]string, 0, len(ids))
	for i, id := range ids {
		if i == 5 {
			out = append(out, fmt.Sprintf("+%d", len(ids)-i))
			break
		}
		out = append(out, shortID(id))
	}
	return strings.Join(out, " ")
}

func trimLine(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func shortID(v string) string {
	if len(v) <= 8 {
		return v
	}
	return v[:8]
}
