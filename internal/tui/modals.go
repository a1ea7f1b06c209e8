package tui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// confirmQuit asks before stopping the server and every tunnel
func (d *Dashboard) confirmQuit() {
	message := "Quit and stop the local server?"
	if active := d.orch.Summary().Active; active > 0 {
		message = fmt.Sprintf("%d tunnel(s) are active and will be closed.\n%s", active, message)
	}

	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"Quit", "Cancel"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			if buttonLabel == "Quit" {
				d.shutdown()
				return
			}
			d.pages.RemovePage("confirm")
			d.app.SetFocus(d.tunnelList)
		})

	d.pages.AddPage("confirm", modal, true, true)
	d.app.SetFocus(modal)
}

// showErrorModal reports a failed action until OK is pressed
func (d *Dashboard) showErrorModal(title, message string) {
	text := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter).
		SetWrap(true).
		SetText(fmt.Sprintf("[red]✗ %s[-]\n\n%s", title, message))

	button := d.createButton("OK", func() {
		d.pages.RemovePage("error")
		d.app.SetFocus(d.tunnelList)
	})

	buttonContainer := tview.NewFlex().
		SetDirection(tview.FlexColumn).
		AddItem(nil, 0, 1, false).
		AddItem(button, 10, 0, true).
		AddItem(nil, 0, 1, false)

	container := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(text, 0, 1, false).
		AddItem(buttonContainer, 1, 0, true)

	container.SetBorder(true).
		SetTitle(" Error ").
		SetTitleAlign(tview.AlignCenter).
		SetBorderColor(tcell.ColorRed)

	d.pages.AddPage("error", d.createModalOverlay(container, 64, 12), true, true)
	d.app.SetFocus(button)
}

func (d *Dashboard) createButton(label string, handler func()) *tview.Button {
	button := tview.NewButton(label).
		SetSelectedFunc(handler)
	button.SetBackgroundColor(tcell.ColorBlue)
	return button
}

// createModalOverlay centers content in a fixed-size box
func (d *Dashboard) createModalOverlay(content tview.Primitive, width, height int) *tview.Flex {
	return tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().
			SetDirection(tview.FlexColumn).
			AddItem(nil, 0, 1, false).
			AddItem(content, width, 1, true).
			AddItem(nil, 0, 1, false), height, 1, true).
		AddItem(nil, 0, 1, false)
}
