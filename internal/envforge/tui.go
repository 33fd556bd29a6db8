package envforge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

type logInfo struct {
	name    string // package the log belongs to
	path    string
	content string
	live    bool // still being written by a build worker
}

var (
	tuiApp         *tview.Application
	tuiLogs        []logInfo
	tuiActiveIdx   int
	tuiPrevIdx     int
	tuiHeaderBox   *tview.TextView
	tuiLogView     *tview.TextView
	tuiFooterBox   *tview.TextView
	tuiFlex        *tview.Flex
	tuiUpdateChan  chan []logInfo
	tuiPrevContent map[string]string
)

// runLogViewer shows all build logs in a scrollable pane viewer. Live logs
// under the work directory refresh while a build is running; finished logs
// come from the compressed store.
func runLogViewer() int {
	tuiUpdateChan = make(chan []logInfo, 10)
	tuiPrevContent = make(map[string]string)
	tuiPrevIdx = -1

	tuiApp = tview.NewApplication()

	tuiHeaderBox = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetTextAlign(tview.AlignLeft)
	tuiHeaderBox.SetBorder(true)
	tuiHeaderBox.SetTitle("envforge Build Log Viewer")

	// SetDynamicColors(true) enables ANSI color code support
	tuiLogView = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetScrollable(true).
		SetChangedFunc(func() {
			tuiApp.Draw()
		})
	tuiLogView.SetBorder(true)

	tuiFooterBox = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true).
		SetTextAlign(tview.AlignLeft)
	tuiFooterBox.SetBorder(true)

	tuiFlex = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(tuiHeaderBox, 3, 0, false).
		AddItem(tuiLogView, 0, 1, true).
		AddItem(tuiFooterBox, 3, 0, false)

	switchPane := func(delta int) {
		if len(tuiLogs) == 0 {
			return
		}
		tuiActiveIdx = (tuiActiveIdx + delta + len(tuiLogs)) % len(tuiLogs)
		updateLogViewer()
	}

	tuiFlex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlQ, tcell.KeyEsc:
			tuiApp.Stop()
			return nil
		case tcell.KeyLeft:
			switchPane(-1)
			return nil
		case tcell.KeyRight:
			switchPane(1)
			return nil
		case tcell.KeyHome:
			tuiLogView.ScrollToBeginning()
			return nil
		case tcell.KeyEnd:
			tuiLogView.ScrollToEnd()
			return nil
		case tcell.KeyUp:
			row, _ := tuiLogView.GetScrollOffset()
			if row > 0 {
				tuiLogView.ScrollTo(row-1, 0)
			}
			return nil
		case tcell.KeyDown:
			row, _ := tuiLogView.GetScrollOffset()
			tuiLogView.ScrollTo(row+1, 0)
			return nil
		case tcell.KeyPgUp:
			row, _ := tuiLogView.GetScrollOffset()
			if row > 10 {
				tuiLogView.ScrollTo(row-10, 0)
			} else {
				tuiLogView.ScrollToBeginning()
			}
			return nil
		case tcell.KeyPgDn:
			row, _ := tuiLogView.GetScrollOffset()
			tuiLogView.ScrollTo(row+10, 0)
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q':
				tuiApp.Stop()
				return nil
			case 'h':
				switchPane(-1)
				return nil
			case 'l':
				switchPane(1)
				return nil
			}
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(400 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			logs := readAllBuildLogs()
			select {
			case tuiUpdateChan <- logs:
			default:
			}
		}
	}()

	go func() {
		for logs := range tuiUpdateChan {
			var currentPath string
			if tuiActiveIdx < len(tuiLogs) {
				currentPath = tuiLogs[tuiActiveIdx].path
			}

			tuiLogs = logs

			if currentPath != "" {
				found := false
				for i, log := range tuiLogs {
					if log.path == currentPath {
						tuiActiveIdx = i
						found = true
						break
					}
				}
				if !found && tuiActiveIdx >= len(tuiLogs) && len(tuiLogs) > 0 {
					tuiActiveIdx = len(tuiLogs) - 1
				}
			}

			tuiApp.QueueUpdateDraw(func() {
				updateLogViewer()
			})
		}
	}()

	tuiApp.SetRoot(tuiFlex, true).SetFocus(tuiLogView)

	tuiLogs = readAllBuildLogs()
	if len(tuiLogs) > 0 {
		tuiActiveIdx = 0
	}
	updateLogViewer()

	if err := tuiApp.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "tui:", err)
		return 1
	}
	return 0
}

func updateLogViewer() {
	if tuiApp == nil || tuiHeaderBox == nil || tuiLogView == nil || tuiFooterBox == nil {
		return
	}

	var headerText string
	if len(tuiLogs) == 0 {
		headerText = "[gray]No build logs found[white]"
	} else if tuiActiveIdx < len(tuiLogs) {
		log := tuiLogs[tuiActiveIdx]
		state := "stored"
		if log.live {
			state = "building"
		}
		headerText = fmt.Sprintf("[gray]Build Log %d/%d: %s (%s)[white]", tuiActiveIdx+1, len(tuiLogs), log.name, state)
	}
	tuiHeaderBox.SetText(headerText)

	if len(tuiLogs) == 0 {
		tuiLogView.SetText("No build log yet. Run 'envforge build <manifest>' to start a build.")
	} else if tuiActiveIdx < len(tuiLogs) {
		log := tuiLogs[tuiActiveIdx]
		switched := tuiPrevIdx != tuiActiveIdx
		if switched {
			tuiPrevIdx = tuiActiveIdx
		}
		if switched || log.content != tuiPrevContent[log.path] {
			tuiLogView.Clear()
			// ANSIWriter converts escape sequences into tview color tags
			ansiWriter := tview.ANSIWriter(tuiLogView)
			ansiWriter.Write([]byte(log.content))
			tuiLogView.ScrollToEnd()
			tuiPrevContent[log.path] = log.content
		}
	}

	footer := strings.Join([]string{
		"'q' or Ctrl+Q to quit",
		"← → (or h/l) to switch logs",
		"↑ ↓ PgUp/PgDn to scroll",
		"Home/End to jump",
	}, " | ")
	tuiFooterBox.SetText(fmt.Sprintf("[gray]%s[white]", footer))
}

// readAllBuildLogs collects live logs from the work directory and stored
// compressed logs, live ones first, each group newest first.
func readAllBuildLogs() []logInfo {
	var logs []logInfo

	livePaths, _ := filepath.Glob(filepath.Join(workDir, "*.log"))
	sortByModTime(livePaths)
	for _, path := range livePaths {
		data, err := os.ReadFile(path)
		content := string(data)
		if err != nil {
			content = fmt.Sprintf("failed to read log: %v", err)
		}
		logs = append(logs, logInfo{
			name:    strings.TrimSuffix(filepath.Base(path), ".log"),
			path:    path,
			content: content,
			live:    true,
		})
	}

	storedPaths, _ := filepath.Glob(filepath.Join(LogsDir, "*.log.xz"))
	sortByModTime(storedPaths)
	for _, path := range storedPaths {
		name := strings.TrimSuffix(filepath.Base(path), ".log.xz")
		content, err := readBuildLog(name)
		if err != nil {
			content = fmt.Sprintf("failed to read log: %v", err)
		}
		logs = append(logs, logInfo{
			name:    name,
			path:    path,
			content: content,
		})
	}

	return logs
}

func sortByModTime(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		ai, err1 := os.Stat(paths[i])
		aj, err2 := os.Stat(paths[j])
		if err1 != nil || err2 != nil {
			return paths[i] > paths[j]
		}
		return ai.ModTime().After(aj.ModTime())
	})
}
