package core

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProviderArgs(t *testing.T) {
	tests := []struct {
		name     string
		provider Provider
		opts     ProviderOptions
		token    string
		want     []string
	}{
		{
			name:     "ngrok without token",
			provider: ProviderNgrok,
			want:     []string{"http", "--log=stdout", "--log-level=info", "8888"},
		},
		{
			name:     "ngrok with token",
			provider: ProviderNgrok,
			token:    "secret",
			want:     []string{"http", "--log=stdout", "--log-level=info", "--authtoken=secret", "8888"},
		},
		{
			name:     "cloudflare ignores token",
			provider: ProviderCloudflare,
			token:    "secret",
			want:     []string{"tunnel", "--no-autoupdate", "--metrics", "127.0.0.1:20241", "--url", "http://127.0.0.1:8888"},
		},
		{
			name:     "cloudflare custom metrics address",
			provider: ProviderCloudflare,
			opts:     ProviderOptions{ControlAddr: "127.0.0.1:5555"},
			want:     []string{"tunnel", "--no-autoupdate", "--metrics", "127.0.0.1:5555", "--url", "http://127.0.0.1:8888"},
		},
		{
			name:     "loclx with token and extra args",
			provider: ProviderLoclx,
			opts:     ProviderOptions{ExtraArgs: []string{"--subdomain", "demo"}},
			token:    "tok",
			want:     []string{"tunnel", "http", "--to", "127.0.0.1:8888", "--region", "us", "--token=tok", "--subdomain", "demo"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := NewProviderSpec(tt.provider, tt.opts)
			require.NoError(t, err)

			d := NewDriver(spec, NewProcessRegistry(), t.TempDir(), DefaultDiscoveryBudget())
			assert.Equal(t, tt.want, d.Command(8888, tt.token))
		})
	}
}

func TestNewProviderSpecDefaults(t *testing.T) {
	ngrok, err := NewProviderSpec(ProviderNgrok, ProviderOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ngrok", ngrok.Binary)
	assert.Equal(t, "http://127.0.0.1:4040/api/tunnels", ngrok.ControlURL)
	assert.Equal(t, DefaultAuthMarkers(ProviderNgrok), ngrok.AuthMarkers)
	assert.True(t, ngrok.UsesToken)

	cf, err := NewProviderSpec(ProviderCloudflare, ProviderOptions{})
	require.NoError(t, err)
	assert.Equal(t, "cloudflared", cf.Binary)
	assert.Equal(t, "http://127.0.0.1:20241/quicktunnel", cf.ControlURL)
	assert.False(t, cf.UsesToken)

	loclx, err := NewProviderSpec(ProviderLoclx, ProviderOptions{AuthMarkers: []string{}})
	require.NoError(t, err)
	assert.Empty(t, loclx.ControlURL)
	assert.Empty(t, loclx.AuthMarkers, "an explicit empty list disables auth markers")

	_, err = NewProviderSpec("pagekite", ProviderOptions{})
	assert.True(t, IsConfigError(err))
}

func TestProviderURLPatterns(t *testing.T) {
	tests := []struct {
		provider Provider
		log      string
		want     string
	}{
		{ProviderNgrok, `t=2024 lvl=info msg="started tunnel" url=https://7f3a-1-2-3-4.ngrok-free.app`, "https://7f3a-1-2-3-4.ngrok-free.app"},
		{ProviderNgrok, `msg="see https://dashboard.ngrok.com/get-started/your-authtoken"`, ""},
		{ProviderCloudflare, "INF |  https://words-like-this.trycloudflare.com  |", "https://words-like-this.trycloudflare.com"},
		{ProviderLoclx, "Tunnel created: https://abc123.loclx.io", "https://abc123.loclx.io"},
		{ProviderLoclx, "connecting...", ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.provider), func(t *testing.T) {
			spec, err := NewProviderSpec(tt.provider, ProviderOptions{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, MatchURL(tt.log, spec.URLPattern, spec.Exclude))
		})
	}
}

func TestParseNgrokTunnels(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{"https preferred", `{"tunnels":[{"public_url":"http://a.ngrok.io","proto":"http"},{"public_url":"https://a.ngrok.io","proto":"https"}]}`, "https://a.ngrok.io", false},
		{"http upgraded", `{"tunnels":[{"public_url":"http://b.ngrok-free.app","proto":"http"}]}`, "https://b.ngrok-free.app", false},
		{"quotes trimmed", `{"tunnels":[{"public_url":" \"https://c.ngrok.app\" ","proto":"https"}]}`, "https://c.ngrok.app", false},
		{"no tunnels yet", `{"tunnels":[]}`, "", false},
		{"dashboard means auth", `{"tunnels":[{"public_url":"https://dashboard.ngrok.com/signup","proto":"https"}]}`, "", true},
		{"garbage", `<html>`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNgrokTunnels([]byte(tt.body))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseNgrokTunnels([]byte(`{"tunnels":[{"public_url":"https://dashboard.ngrok.com","proto":"https"}]}`))
	assert.ErrorIs(t, err, errNeedsCredentials)
}

func TestParseQuickTunnel(t *testing.T) {
	got, err := ParseQuickTunnel([]byte(`{"hostname":"shiny-new-thing.trycloudflare.com"}`))
	require.NoError(t, err)
	assert.Equal(t, "https://shiny-new-thing.trycloudflare.com", got)

	got, err = ParseQuickTunnel([]byte(`{"hostname":""}`))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseQuickTunnel([]byte(`not json`))
	assert.Error(t, err)
}

func TestResolveBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("executable bits are not used on windows")
	}
	binDir := t.TempDir()

	assert.Equal(t, "/opt/custom/ngrok", ResolveBinary("/opt/custom/ngrok", binDir, "ngrok"))
	assert.Equal(t, "ngrok", ResolveBinary("", binDir, "ngrok"), "falls back to $PATH lookup")

	local := filepath.Join(binDir, "ngrok")
	require.NoError(t, os.WriteFile(local, []byte("#!/bin/sh\n"), 0755))
	assert.Equal(t, local, ResolveBinary("", binDir, "ngrok"))

	notExec := filepath.Join(binDir, "loclx")
	require.NoError(t, os.WriteFile(notExec, []byte("data"), 0644))
	assert.Equal(t, "loclx", ResolveBinary("", binDir, "loclx"))
}

func TestParseNgrokConfigCheck(t *testing.T) {
	tests := []struct {
		name string
		out  string
		want KeyCheck
	}{
		{"valid", "Valid configuration file at /home/u/.config/ngrok/ngrok.yml\n", KeyValid},
		{"success", "Configuration check succeeded", KeyValid},
		{"authtoken only", "authtoken: 2abc...\nunknown field", KeyConfigured},
		{"error", "ERROR: open ngrok.yml: no such file or directory", KeyUnverified},
		{"empty", "", KeyUnverified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseNgrokConfigCheck(tt.out))
		})
	}
}

func TestCheckNgrokConfigMissingBinary(t *testing.T) {
	assert.Equal(t, KeyUnverified, CheckNgrokConfig(context.Background(), filepath.Join(t.TempDir(), "ngrok")))
}
