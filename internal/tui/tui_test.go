package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/takaaki-s/l2i/internal/core"
)

type stubDriver struct {
	provider core.Provider
	result   core.TunnelResult
}

func (s *stubDriver) Provider() core.Provider { return s.provider }
func (s *stubDriver) Available() bool         { return true }
func (s *stubDriver) LogPath() string         { return "/tmp/" + s.provider.ProcessName() + ".log" }
func (s *stubDriver) Stop() error             { return nil }

func (s *stubDriver) Start(context.Context, int, core.Credentials) core.TunnelResult {
	return s.result
}

func sampleResults() map[core.Provider]core.TunnelResult {
	return map[core.Provider]core.TunnelResult{
		core.ProviderNgrok: core.Failed(core.ProviderNgrok, core.ReasonNeedsCredentials, "/tmp/ngrok.log"),
		core.ProviderCloudflare: {
			Provider:  core.ProviderCloudflare,
			URL:       "https://calm-lake.trycloudflare.com",
			Status:    core.StatusActive,
			StartedAt: time.Now(),
		},
		core.ProviderLoclx: core.Failed(core.ProviderLoclx, core.ReasonBinaryMissing, ""),
	}
}

func newTestDashboard(t *testing.T) *Dashboard {
	t.Helper()
	var drivers []core.TunnelDriver
	for p, r := range sampleResults() {
		drivers = append(drivers, &stubDriver{provider: p, result: r})
	}

	orch := core.NewOrchestrator(drivers)
	orch.StartAll(context.Background(), 8888, core.Credentials{}, core.AllProviders)

	d := NewDashboard(orch, 8888, "/srv/site", core.BackendPython, nil)
	d.initUI()
	return d
}

func TestRenderSummary(t *testing.T) {
	out := RenderSummary(8888, sampleResults())

	assert.Contains(t, out, "http://127.0.0.1:8888")
	assert.Contains(t, out, "https://calm-lake.trycloudflare.com")
	assert.Contains(t, out, "1/3 tunnels active")
	assert.Contains(t, out, "needs_credentials")
	assert.Contains(t, out, "l2i keys set ngrok")
	assert.Contains(t, out, "l2i doctor")
	assert.NotContains(t, out, "only reachable locally")

	// rows follow display order
	ngrok := strings.Index(out, "Ngrok")
	cloudflare := strings.Index(out, "Cloudflare")
	loclx := strings.Index(out, "Loclx")
	assert.True(t, ngrok < cloudflare && cloudflare < loclx)
}

func TestRenderSummaryNothingActive(t *testing.T) {
	results := map[core.Provider]core.TunnelResult{
		core.ProviderCloudflare: core.Failed(core.ProviderCloudflare, core.ReasonTimeout, "/tmp/cloudflared.log"),
	}
	out := RenderSummary(9000, results)

	assert.Contains(t, out, "0/1 tunnels active")
	assert.Contains(t, out, "inspect /tmp/cloudflared.log")
	assert.Contains(t, out, "only reachable locally")
}

func TestOrderedProviders(t *testing.T) {
	results := map[core.Provider]core.TunnelResult{
		"zzz":              {},
		core.ProviderLoclx: {},
		"aaa":              {},
		core.ProviderNgrok: {},
	}
	assert.Equal(t, []core.Provider{core.ProviderNgrok, core.ProviderLoclx, "aaa", "zzz"}, OrderedProviders(results))
	assert.Empty(t, OrderedProviders(nil))
}

func TestDashboardTable(t *testing.T) {
	d := newTestDashboard(t)

	require.Equal(t, 4, d.tunnelList.GetRowCount(), "header plus one row per provider")
	assert.Equal(t, "Ngrok", d.tunnelList.GetCell(1, 1).Text)
	assert.Equal(t, "×", d.tunnelList.GetCell(1, 0).Text)
	assert.Equal(t, "-", d.tunnelList.GetCell(1, 2).Text)

	assert.Equal(t, "Cloudflare", d.tunnelList.GetCell(2, 1).Text)
	assert.Equal(t, "●", d.tunnelList.GetCell(2, 0).Text)
	assert.Equal(t, "https://calm-lake.trycloudflare.com", d.tunnelList.GetCell(2, 2).Text)

	assert.Contains(t, d.headerBar.GetText(true), "1/3")
	assert.Contains(t, d.headerBar.GetText(true), "127.0.0.1:8888")
}

func TestDashboardSelection(t *testing.T) {
	d := newTestDashboard(t)

	d.tunnelList.Select(1, 1)
	assert.Equal(t, core.ProviderNgrok, d.selected)
	assert.Contains(t, d.detailView.GetText(true), "needs_credentials")
	assert.Contains(t, d.detailView.GetText(true), "l2i keys set ngrok")

	d.handleListKeys(tcell.NewEventKey(tcell.KeyRune, 'j', tcell.ModNone))
	assert.Equal(t, core.ProviderCloudflare, d.selected)
	assert.Contains(t, d.detailView.GetText(true), "https://calm-lake.trycloudflare.com")

	// selection survives a redraw
	d.refresh()
	row, _ := d.tunnelList.GetSelection()
	assert.Equal(t, 2, row)
}

func TestDashboardFinishRestart(t *testing.T) {
	d := newTestDashboard(t)

	d.restarting[core.ProviderLoclx] = true
	d.finishRestart(core.ProviderLoclx, core.Failed(core.ProviderLoclx, core.ReasonBinaryMissing, ""))
	assert.False(t, d.restarting[core.ProviderLoclx])
	assert.True(t, d.pages.HasPage("error"))
	assert.True(t, d.modalOpen())

	// list keys are ignored while a modal is open
	assert.NotNil(t, d.handleListKeys(tcell.NewEventKey(tcell.KeyRune, 'r', tcell.ModNone)))
}

func TestDashboardQuitConfirmation(t *testing.T) {
	d := newTestDashboard(t)

	assert.Nil(t, d.handleGlobalKeys(tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone)))
	assert.True(t, d.pages.HasPage("confirm"))
}

func TestDescribeChange(t *testing.T) {
	assert.Contains(t, describeChange(core.TunnelStatusChange{Provider: core.ProviderNgrok, NewStatus: core.StatusActive, URL: "https://x.ngrok.app"}), "https://x.ngrok.app")
	assert.Contains(t, describeChange(core.TunnelStatusChange{Provider: core.ProviderNgrok, NewStatus: core.StatusRecovering}), "restarting")
	assert.Contains(t, describeChange(core.TunnelStatusChange{Provider: core.ProviderNgrok, NewStatus: core.StatusFailed, Reason: core.ReasonTimeout}), "discovery_timeout")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "5s", formatDuration(5*time.Second))
	assert.Equal(t, "2m 3s", formatDuration(123*time.Second))
	assert.Equal(t, "1h 0m 1s", formatDuration(time.Hour+time.Second))
	assert.Equal(t, "2d 1h 0m", formatDuration(49*time.Hour))
}
