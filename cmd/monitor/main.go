package main

import (
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"taskdelegate/internal/domain"
)

type embeddedOrchestrator struct {
	cmd *exec.Cmd
}

func main() {
	addr := flag.String("addr", "http://localhost:8092", "orchestrator base URL")
	interval := flag.Duration("interval", 2*time.Second, "refresh interval")
	embedded := flag.Bool("embedded", false, "start an orchestrator process for the monitor's lifetime")
	orchestratorBinary := flag.String("orchestrator-bin", "", "path to orchestrator binary (embedded mode)")
	configPath := flag.String("config", "", "config path for the embedded orchestrator")
	dbPath := flag.String("db", "data/monitor.db", "sqlite journal path for the embedded orchestrator")
	workspaceRoot := flag.String("workspace", ".", "workspace root for the embedded orchestrator")
	flag.Parse()

	c := &client{
		baseURL: strings.TrimRight(*addr, "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	if *embedded {
		proc, err := startEmbeddedOrchestrator(*addr, *orchestratorBinary, *configPath, *dbPath, *workspaceRoot)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start embedded orchestrator: %v\n", err)
			os.Exit(1)
		}
		defer proc.Stop()
	}

	if err := c.waitHealth(30 * time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "orchestrator health check failed: %v\n", err)
		os.Exit(1)
	}

	app := tview.NewApplication()
	tasksTable := tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false)
	tasksTable.SetTitle("Tasks (Enter inspect, Ctrl+R reset group)").SetBorder(true)

	agentsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	agentsView.SetTitle("Agents").SetBorder(true)

	statsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statsView.SetTitle("Statistics").SetBorder(true)

	eventsView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	eventsView.SetTitle("Events").SetBorder(true)

	promptInput := tview.NewInputField().
		SetLabel("Request: ")
	promptInput.SetBorder(true).SetTitle("Enter = submit <policy> <target> [items...]")

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText(fmt.Sprintf(
		"Connected to %s | F10 quit, F5 refresh, Ctrl+S next strategy, Ctrl+L prompt, Ctrl+T tasks",
		c.baseURL,
	))

	right := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(agentsView, 0, 2, false).
		AddItem(statsView, 7, 0, false).
		AddItem(eventsView, 0, 3, false)

	mainLayout := tview.NewFlex().
		AddItem(tasksTable, 0, 1, false).
		AddItem(right, 0, 1, false)

	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 12, false).
		AddItem(promptInput, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	var (
		selectedTaskID string
		lastTasks      []domain.Task
		eventsVersion  uint64
	)

	setStatusUI := func(msg string) {
		statusView.SetText(msg)
	}
	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refresh := func() {
		tasks, err := c.listTasks()
		if err != nil {
			app.QueueUpdateDraw(func() {
				tasksTable.Clear()
				tasksTable.SetCell(0, 0, tview.NewTableCell(fmt.Sprintf("load error: %v", err)).SetTextColor(tview.Styles.ContrastSecondaryTextColor))
			})
			return
		}
		sort.SliceStable(tasks, func(i, j int) bool {
			return tasks[i].UpdatedAt.After(tasks[j].UpdatedAt)
		})
		lastTasks = tasks
		agents, agentsErr := c.listAgents()
		stats, statsErr := c.stats()
		app.QueueUpdateDraw(func() {
			renderTasksTable(tasksTable, tasks, selectedTaskID)
			if agentsErr != nil {
				agentsView.SetText(fmt.Sprintf("error: %v", agentsErr))
			} else {
				agentsView.SetText(renderAgents(agents))
			}
			if statsErr != nil {
				statsView.SetText(fmt.Sprintf("error: %v", statsErr))
			} else {
				statsView.SetText(renderStats(stats))
			}
		})
	}

	refreshEventsAsync := func(taskID string) {
		version := atomic.AddUint64(&eventsVersion, 1)
		go func(selected string, v uint64) {
			events, err := c.listEvents(selected, 100)
			if atomic.LoadUint64(&eventsVersion) != v {
				return
			}
			app.QueueUpdateDraw(func() {
				title := "Events (all)"
				if selected != "" {
					title = "Events task=" + shortID(selected)
				}
				eventsView.SetTitle(title)
				if err != nil {
					eventsView.SetText(fmt.Sprintf("error: %v", err))
					return
				}
				eventsView.SetText(renderEvents(events))
			})
		}(taskID, version)
	}

	submitPrompt := func(prompt string) {
		req, err := parsePrompt(prompt)
		if err != nil {
			setStatusUI(err.Error())
			return
		}
		setStatusUI("Submitting composite request...")
		promptInput.SetText("")
		go func() {
			group, err := c.submitGroup(req)
			if err != nil {
				setStatusAsync("Submit failed: " + err.Error())
				return
			}
			refresh()
			refreshEventsAsync("")
			setStatusAsync(fmt.Sprintf("Group %s submitted with %d tasks", shortID(group.ID), len(group.TaskIDs)))
		}()
	}

	resetSelectedGroup := func() {
		groupID := ""
		for _, t := range lastTasks {
			if t.ID == selectedTaskID {
				groupID = t.GroupID
				break
			}
		}
		if groupID == "" {
			setStatusUI("Selected task is not part of a group")
			return
		}
		go func() {
			group, err := c.resetGroup(groupID)
			if err != nil {
				setStatusAsync("Reset failed: " + err.Error())
				return
			}
			refresh()
			setStatusAsync(fmt.Sprintf("Group %s cancelled", shortID(group.ID)))
		}()
	}

	promptInput.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		submitPrompt(promptInput.GetText())
	})

	tasksTable.SetSelectedFunc(func(row, _ int) {
		if row <= 0 || row > len(lastTasks) {
			return
		}
		selectedTaskID = lastTasks[row-1].ID
		refreshEventsAsync(selectedTaskID)
	})

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyF10:
			app.Stop()
			return nil
		case tcell.KeyF5:
			go func() {
				refresh()
				refreshEventsAsync(selectedTaskID)
				setStatusAsync("Manual refresh complete")
			}()
			return nil
		case tcell.KeyCtrlS:
			go func() {
				name, err := c.cycleStrategy()
				if err != nil {
					setStatusAsync("Strategy switch failed: " + err.Error())
					return
				}
				setStatusAsync("Strategy -> " + name)
			}()
			return nil
		case tcell.KeyCtrlR:
			resetSelectedGroup()
			return nil
		case tcell.KeyCtrlL:
			app.SetFocus(promptInput)
			setStatusUI("Focus -> prompt")
			return nil
		case tcell.KeyCtrlT, tcell.KeyEscape:
			app.SetFocus(tasksTable)
			setStatusUI("Focus -> tasks")
			return nil
		case tcell.KeyTAB:
			if app.GetFocus() == promptInput {
				app.SetFocus(tasksTable)
			} else {
				app.SetFocus(promptInput)
			}
			return nil
		}
		if event.Key() == tcell.KeyRune && app.GetFocus() != promptInput {
			app.SetFocus(promptInput)
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		refresh()
		refreshEventsAsync("")
		for range ticker.C {
			refresh()
			refreshEventsAsync(selectedTaskID)
		}
	}()

	if err := app.SetRoot(root, true).EnableMouse(true).SetFocus(promptInput).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func startEmbeddedOrchestrator(addr, orchestratorBinary, configPath, dbPath, workspaceRoot string) (*embeddedOrchestrator, error) {
	parsed, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	port := parsed.Port()
	if port == "" {
		return nil, fmt.Errorf("addr must include explicit port, got %q", addr)
	}
	args := []string{"-addr", ":" + port, "-db", dbPath, "-workspace", workspaceRoot}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}

	var cmd *exec.Cmd
	if strings.TrimSpace(orchestratorBinary) != "" {
		cmd = exec.Command(orchestratorBinary, args...)
	} else {
		self, err := os.Executable()
		if err == nil {
			name := "orchestrator"
			if runtime.GOOS == "windows" {
				name += ".exe"
			}
			sibling := filepath.Join(filepath.Dir(self), name)
			if fileExists(sibling) {
				cmd = exec.Command(sibling, args...)
			}
		}
		if cmd == nil {
			cmd = exec.Command("go", append([]string{"run", "./cmd/orchestrator"}, args...)...)
		}
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start orchestrator process: %w", err)
	}
	return &embeddedOrchestrator{cmd: cmd}, nil
}

func (e *embeddedOrchestrator) Stop() {
	if e == nil || e.cmd == nil || e.cmd.Process == nil {
		return
	}
	_ = e.cmd.Process.Kill()
	_, _ = e.cmd.Process.Wait()
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
