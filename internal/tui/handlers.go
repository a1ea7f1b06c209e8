package tui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"

	"github.com/takaaki-s/l2i/internal/core"
)

// pages that take the keyboard away from the main view
var modalPages = []string{"confirm", "error"}

func (d *Dashboard) modalOpen() bool {
	for _, page := range modalPages {
		if d.pages.HasPage(page) {
			return true
		}
	}
	return false
}

// handleGlobalKeys handles global keyboard shortcuts
func (d *Dashboard) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	if d.modalOpen() {
		return event
	}

	switch event.Key() {
	case tcell.KeyCtrlC:
		d.shutdown()
		return nil

	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			d.confirmQuit()
			return nil

		case '?':
			d.showHelp()
			return nil
		}
	}

	return event
}

// handleListKeys handles keyboard input for the tunnel table
func (d *Dashboard) handleListKeys(event *tcell.EventKey) *tcell.EventKey {
	if d.modalOpen() {
		return event
	}

	switch event.Key() {
	case tcell.KeyEnter:
		d.restartSelected()
		return nil

	case tcell.KeyRune:
		switch event.Rune() {
		case 'r', 'R':
			d.restartSelected()
			return nil

		case 'j':
			row, col := d.tunnelList.GetSelection()
			if row < d.tunnelList.GetRowCount()-1 {
				d.tunnelList.Select(row+1, col)
			}
			return nil

		case 'k':
			row, col := d.tunnelList.GetSelection()
			if row > 1 {
				d.tunnelList.Select(row-1, col)
			}
			return nil
		}
	}

	return event
}

// restartSelected restarts the selected tunnel in the background. Discovery can take many
// seconds, so the UI only marks the row and redraws when the orchestrator reports back.
// Quitting cancels the restart.
func (d *Dashboard) restartSelected() {
	p := d.selected
	if p == "" {
		return
	}
	if d.restarting[p] {
		d.updateStatusBar(fmt.Sprintf("%s is already restarting", p.Title()))
		return
	}

	d.restarting[p] = true
	d.updateStatusBar(fmt.Sprintf("Restarting %s...", p.Title()))
	d.updateTunnelList()

	ctx := d.ctx
	go func() {
		result := d.orch.Restart(ctx, p)
		d.app.QueueUpdateDraw(func() {
			d.finishRestart(p, result)
		})
	}()
}

func (d *Dashboard) finishRestart(p core.Provider, result core.TunnelResult) {
	delete(d.restarting, p)
	d.refresh()

	if result.Active() {
		d.updateStatusBar(fmt.Sprintf("[green]✓[-] %s restarted: %s", p.Title(), result.URL))
		return
	}
	d.updateStatusBar(fmt.Sprintf("[red]✗[-] %s restart failed", p.Title()))
	d.showErrorModal("Restart Failed", fmt.Sprintf("%s: %s\n\n%s", p.Title(), result.Reason, result.Reason.Hint(p, result.LogPath)))
}

// showHelp displays the help modal
func (d *Dashboard) showHelp() {
	d.pages.ShowPage("help")
	d.app.SetFocus(d.helpView)
}

// shutdown ends the dashboard; the serve run then stops every process
func (d *Dashboard) shutdown() {
	d.app.Stop()
}
