package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/takaaki-s/l2i/internal/core"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252")).Padding(0, 1)
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	activeStyle  = cellStyle.Foreground(lipgloss.Color("42"))
	failedStyle  = cellStyle.Foreground(lipgloss.Color("160"))
	pendingStyle = cellStyle.Foreground(lipgloss.Color("214"))
	hintStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	countStyle   = lipgloss.NewStyle().Bold(true)
)

// OrderedProviders returns the providers of results in display order: known providers first,
// anything else alphabetically
func OrderedProviders(results map[core.Provider]core.TunnelResult) []core.Provider {
	seen := make(map[core.Provider]bool, len(results))
	var ordered []core.Provider
	for _, p := range core.AllProviders {
		if _, ok := results[p]; ok {
			ordered = append(ordered, p)
			seen[p] = true
		}
	}

	var rest []core.Provider
	for p := range results {
		if !seen[p] {
			rest = append(rest, p)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	return append(ordered, rest...)
}

// RenderSummary renders the startup results: the local address, one row per provider, the
// active count and the next step for every failure
func RenderSummary(port int, results map[core.Provider]core.TunnelResult) string {
	providers := OrderedProviders(results)
	summary := core.Summarize(results)

	rows := make([][]string, 0, len(providers))
	for _, p := range providers {
		r := results[p]
		rows = append(rows, []string{p.Title(), statusLabel(r), addressLabel(r)})
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("PROVIDER", "STATUS", "PUBLIC URL").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col != 1 || row < 0 || row >= len(providers) {
				return cellStyle
			}
			return statusStyle(results[providers[row]].Status)
		})

	var b strings.Builder
	b.WriteString(titleStyle.Render("local2internet"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Local:  http://127.0.0.1:%d\n", port)
	if ip := core.LocalIP(); ip != "" {
		fmt.Fprintf(&b, "LAN:    http://%s:%d\n", ip, port)
	}
	b.WriteString(t.Render())
	b.WriteString("\n")
	b.WriteString(countStyle.Render(fmt.Sprintf("%d/%d tunnels active", summary.Active, summary.Total)))
	b.WriteString("\n")

	for _, p := range providers {
		r := results[p]
		if r.Active() {
			continue
		}
		if hint := r.Reason.Hint(p, r.LogPath); hint != "" {
			b.WriteString(hintStyle.Render(fmt.Sprintf("  %s: %s", p.Title(), hint)))
			b.WriteString("\n")
		}
	}

	if summary.Total > 0 && summary.Active == 0 {
		b.WriteString(failedStyle.UnsetPadding().Render("No tunnel is up; the site is only reachable locally."))
		b.WriteString("\n")
	}
	return b.String()
}

func statusLabel(r core.TunnelResult) string {
	if r.Status == core.StatusFailed && r.Reason != core.ReasonNone {
		return fmt.Sprintf("%s (%s)", r.Status, r.Reason)
	}
	return string(r.Status)
}

func addressLabel(r core.TunnelResult) string {
	if r.URL == "" {
		return "-"
	}
	return r.URL
}

func statusStyle(status core.TunnelStatus) lipgloss.Style {
	switch status {
	case core.StatusActive:
		return activeStyle
	case core.StatusRecovering:
		return pendingStyle
	default:
		return failedStyle
	}
}
