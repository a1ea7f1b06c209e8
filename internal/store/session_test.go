package store

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRecorderRoundTrip(t *testing.T) {
	sr := NewSessionRecorder(filepath.Join(t.TempDir(), "session.json"))

	state := NewSessionState(8888, "python", "/srv/site")
	state.Tunnels["ngrok"] = TunnelRecord{URL: "https://a.ngrok.app", Status: "active"}
	state.Tunnels["loclx"] = TunnelRecord{Status: "failed", Reason: "binary_missing"}
	require.NoError(t, sr.Save(state))

	loaded := sr.Load()
	assert.Equal(t, state.ID, loaded.ID)
	assert.Equal(t, os.Getpid(), loaded.OwnerProcessID)
	assert.Equal(t, map[string]string{"ngrok": "https://a.ngrok.app"}, loaded.ActiveURLs())
	assert.True(t, sr.IsActive())

	active, err := sr.LoadActive()
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 8888, active.Port)

	require.NoError(t, sr.Clear())
	require.NoError(t, sr.Clear(), "clearing twice is fine")
	assert.True(t, sr.Load().Empty())
}

func TestSessionRecorderSaveNil(t *testing.T) {
	sr := NewSessionRecorder(filepath.Join(t.TempDir(), "session.json"))
	assert.Error(t, sr.Save(nil))
}

func TestSessionRecorderCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	sr := NewSessionRecorder(path)
	assert.True(t, sr.Load().Empty())
	assert.False(t, sr.IsActive())
}

func TestSessionRecorderStaleOwner(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a unix shell")
	}

	// a pid that has certainly exited
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	deadPID := cmd.ProcessState.Pid()

	sr := NewSessionRecorder(filepath.Join(t.TempDir(), "session.json"))
	state := NewSessionState(9000, "node", "/srv")
	state.OwnerProcessID = deadPID
	require.NoError(t, sr.Save(state))

	assert.False(t, sr.IsActive())

	active, err := sr.LoadActive()
	require.NoError(t, err)
	assert.Nil(t, active)

	_, err = os.Stat(sr.Path())
	assert.True(t, os.IsNotExist(err), "a stale session is cleared")
}

func TestSessionStateEmpty(t *testing.T) {
	var nilState *SessionState
	assert.True(t, nilState.Empty())
	assert.True(t, (&SessionState{}).Empty())
	assert.False(t, NewSessionState(1, "python", "").Empty())
	assert.Empty(t, nilState.ActiveURLs())
}

func TestProcessRunning(t *testing.T) {
	assert.False(t, ProcessRunning(-1))
	assert.False(t, ProcessRunning(0))
	assert.True(t, ProcessRunning(os.Getpid()))
}
