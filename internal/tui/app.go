// Package tui provides the live terminal dashboard and the printed result summary.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/takaaki-s/l2i/internal/core"
)

// Dashboard shows the tunnels of a running serve session and lets the operator restart them
type Dashboard struct {
	app  *tview.Application
	orch *core.Orchestrator
	ctx  context.Context // cancelled when Run returns

	port      int
	directory string
	backend   core.Backend
	providers []core.Provider

	// UI components
	pages      *tview.Pages
	headerBar  *tview.TextView
	tunnelList *tview.Table
	statusBar  *tview.TextView
	detailView *tview.TextView
	helpView   *tview.TextView
	footerBar  *tview.TextView

	// State
	selected   core.Provider
	startedAt  time.Time
	lastUpdate time.Time
	restarting map[core.Provider]bool
}

// NewDashboard creates a dashboard over orch. providers fixes the row order; when empty the
// providers known to the orchestrator are shown.
func NewDashboard(orch *core.Orchestrator, port int, directory string, backend core.Backend, providers []core.Provider) *Dashboard {
	return &Dashboard{
		app:        tview.NewApplication(),
		orch:       orch,
		ctx:        context.Background(),
		port:       port,
		directory:  directory,
		backend:    backend,
		providers:  providers,
		startedAt:  time.Now(),
		lastUpdate: time.Now(),
		restarting: make(map[core.Provider]bool),
	}
}

// Run shows the dashboard until the operator quits or ctx is done
func (d *Dashboard) Run(ctx context.Context) error {
	d.initUI()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.ctx = ctx

	go d.watchStatusChanges(ctx)
	go func() {
		<-ctx.Done()
		d.app.Stop()
	}()

	return d.app.Run()
}

// Stop closes the dashboard; the tunnels are stopped by the caller
func (d *Dashboard) Stop() {
	d.app.Stop()
}

func (d *Dashboard) initUI() {
	d.createHeaderBar()
	d.createTunnelList()
	d.createDetailView()
	d.createStatusBar()
	d.createFooterBar()
	d.createHelpView()

	mainFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(d.headerBar, 3, 0, false).
		AddItem(d.createMainContent(), 0, 1, true).
		AddItem(d.statusBar, 1, 0, false).
		AddItem(d.footerBar, 1, 0, false)

	d.pages = tview.NewPages().
		AddPage("main", mainFlex, true, true).
		AddPage("help", d.createModalOverlay(d.helpView, 56, 14), true, false)

	d.app.SetRoot(d.pages, true).
		SetFocus(d.tunnelList).
		SetInputCapture(d.handleGlobalKeys)

	d.refresh()
}

func (d *Dashboard) createMainContent() *tview.Flex {
	return tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(d.tunnelList, 0, 2, true).
		AddItem(d.detailView, 0, 1, false)
}

func (d *Dashboard) createHeaderBar() {
	d.headerBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	d.headerBar.SetBorder(true).
		SetBorderColor(tcell.ColorBlue)
}

func (d *Dashboard) createFooterBar() {
	shortcuts := []string{
		"[yellow]r/Enter[::-] Restart",
		"[yellow]↑/↓[::-] Select",
		"[yellow]?[::-] Help",
		"[yellow]q[::-] Quit",
	}
	d.footerBar = tview.NewTextView().
		SetDynamicColors(true).
		SetText(" " + strings.Join(shortcuts, " | "))
}

func (d *Dashboard) createTunnelList() {
	d.tunnelList = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetSeparator(' ')

	d.tunnelList.SetSelectionChangedFunc(d.onTunnelSelected)
	d.tunnelList.SetInputCapture(d.handleListKeys)

	d.tunnelList.SetBorder(true).
		SetTitle(" Tunnels ").
		SetTitleAlign(tview.AlignLeft)
}

func (d *Dashboard) createDetailView() {
	d.detailView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(true)

	d.detailView.SetBorder(true).
		SetTitle(" Details ").
		SetTitleAlign(tview.AlignLeft)
}

func (d *Dashboard) createStatusBar() {
	d.statusBar = tview.NewTextView().
		SetDynamicColors(true)
	d.updateStatusBar("")
}

func (d *Dashboard) createHelpView() {
	helpText := `[::b]Keyboard Shortcuts[::-]

  ↑/k ↓/j   Select tunnel
  r, Enter  Restart selected tunnel
  ?         Show this help
  q         Quit and stop everything
  Ctrl+C    Quit immediately

Failed tunnels are not restarted automatically.

Press any key to close this help.`

	d.helpView = tview.NewTextView().
		SetDynamicColors(true).
		SetText(helpText)

	d.helpView.SetBorder(true).
		SetTitle(" Help ").
		SetTitleAlign(tview.AlignCenter)

	d.helpView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		d.pages.HidePage("help")
		d.app.SetFocus(d.tunnelList)
		return nil
	})
}

// rows returns the providers to display, in order
func (d *Dashboard) rows() []core.Provider {
	if len(d.providers) > 0 {
		return d.providers
	}
	return OrderedProviders(d.orch.Results())
}

// refresh redraws everything from the orchestrator's current results
func (d *Dashboard) refresh() {
	d.updateTunnelList()
	d.updateHeaderBar()
	d.updateDetailView()
}

func (d *Dashboard) updateTunnelList() {
	d.tunnelList.Clear()

	headers := []string{"St", "Provider", "Public URL", "Up"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetTextColor(tcell.ColorYellow).
			SetAttributes(tcell.AttrBold).
			SetSelectable(false)
		d.tunnelList.SetCell(0, col, cell)
	}

	results := d.orch.Results()
	for i, p := range d.rows() {
		r, ok := results[p]
		icon, color := statusIcon(r.Status, ok, d.restarting[p])

		url := r.URL
		if url == "" {
			url = "-"
		}
		up := "-"
		if r.Active() && !r.StartedAt.IsZero() {
			up = formatDuration(time.Since(r.StartedAt))
		}

		cells := []struct {
			text  string
			color tcell.Color
			align int
		}{
			{icon, color, tview.AlignCenter},
			{p.Title(), tcell.ColorWhite, tview.AlignLeft},
			{url, tcell.ColorAqua, tview.AlignLeft},
			{up, tcell.ColorWhite, tview.AlignRight},
		}
		for col, c := range cells {
			d.tunnelList.SetCell(i+1, col, tview.NewTableCell(c.text).
				SetTextColor(c.color).
				SetReference(p).
				SetAlign(c.align).
				SetExpansion(boolToInt(col == 2)))
		}
	}

	// keep the selection on the same provider
	for row := 1; row < d.tunnelList.GetRowCount(); row++ {
		if p, ok := d.tunnelList.GetCell(row, 1).GetReference().(core.Provider); ok && p == d.selected {
			d.tunnelList.Select(row, 1)
			return
		}
	}
	if d.tunnelList.GetRowCount() > 1 {
		d.tunnelList.Select(1, 1)
	}
}

func (d *Dashboard) onTunnelSelected(row, column int) {
	if row == 0 || row >= d.tunnelList.GetRowCount() {
		return
	}
	if p, ok := d.tunnelList.GetCell(row, 1).GetReference().(core.Provider); ok {
		d.selected = p
		d.updateDetailView()
	}
}

func (d *Dashboard) updateDetailView() {
	if d.selected == "" {
		d.detailView.Clear()
		return
	}
	p := d.selected
	r, ok := d.orch.Result(p)

	var details strings.Builder
	fmt.Fprintf(&details, "[::b]%s[::-]\n\n", p.Title())

	details.WriteString("[yellow]Status:[::-]\n")
	if !ok {
		details.WriteString("  not started\n")
		d.detailView.SetText(details.String())
		return
	}
	_, color := statusIcon(r.Status, true, d.restarting[p])
	fmt.Fprintf(&details, "  State: [%s]%s[-]\n", colorName(color), r.Status)
	if r.URL != "" {
		fmt.Fprintf(&details, "  URL: %s\n", r.URL)
	}
	if r.Active() && !r.StartedAt.IsZero() {
		fmt.Fprintf(&details, "  Uptime: %s\n", formatDuration(time.Since(r.StartedAt)))
	}
	if r.Reason != core.ReasonNone {
		fmt.Fprintf(&details, "  [red]Reason: %s[-]\n", r.Reason)
		if hint := r.Reason.Hint(p, r.LogPath); hint != "" {
			fmt.Fprintf(&details, "\n[yellow]Next step:[::-]\n  %s\n", hint)
		}
	}
	if r.LogPath != "" {
		fmt.Fprintf(&details, "\n[yellow]Log:[::-]\n  [gray]%s[-]\n", r.LogPath)
	}

	d.detailView.SetText(details.String())
}

func (d *Dashboard) updateHeaderBar() {
	summary := d.orch.Summary()
	d.headerBar.SetText(fmt.Sprintf(
		"[::b]LOCAL2INTERNET[::-] | http://127.0.0.1:%d (%s) | Tunnels: [green]%d/%d[::-] | Up %s",
		d.port,
		d.backend,
		summary.Active,
		summary.Total,
		formatDuration(time.Since(d.startedAt)),
	))
}

func (d *Dashboard) updateStatusBar(message string) {
	if message != "" {
		d.statusBar.SetText(" " + message)
		return
	}
	d.statusBar.SetText(fmt.Sprintf(" Serving %s", d.directory))
}

// watchStatusChanges redraws on every orchestrator status change and refreshes uptimes
func (d *Dashboard) watchStatusChanges(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	statusChanges := d.orch.StatusChanges()
	for {
		select {
		case <-ctx.Done():
			return

		case change := <-statusChanges:
			d.app.QueueUpdateDraw(func() {
				d.refresh()
				d.updateStatusBar(describeChange(change))
			})

		case <-ticker.C:
			if time.Since(d.lastUpdate) > 5*time.Second {
				d.app.QueueUpdateDraw(func() {
					d.refresh()
					d.lastUpdate = time.Now()
				})
			}
		}
	}
}

func describeChange(change core.TunnelStatusChange) string {
	title := change.Provider.Title()
	switch change.NewStatus {
	case core.StatusActive:
		return fmt.Sprintf("[green]✓[-] %s active: %s", title, change.URL)
	case core.StatusRecovering:
		return fmt.Sprintf("[yellow]◐[-] %s unreachable, restarting...", title)
	case core.StatusFailed:
		return fmt.Sprintf("[red]✗[-] %s failed: %s", title, change.Reason)
	}
	return ""
}

// Helper functions

func statusIcon(status core.TunnelStatus, known, restarting bool) (string, tcell.Color) {
	if restarting {
		return "◐", tcell.ColorYellow
	}
	if !known {
		return "○", tcell.ColorGray
	}
	switch status {
	case core.StatusActive:
		return "●", tcell.ColorGreen
	case core.StatusRecovering:
		return "◐", tcell.ColorYellow
	case core.StatusFailed:
		return "×", tcell.ColorRed
	default:
		return "○", tcell.ColorGray
	}
}

func colorName(color tcell.Color) string {
	switch color {
	case tcell.ColorGreen:
		return "green"
	case tcell.ColorRed:
		return "red"
	case tcell.ColorYellow:
		return "yellow"
	case tcell.ColorGray:
		return "gray"
	default:
		return "white"
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
