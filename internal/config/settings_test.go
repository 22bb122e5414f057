package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()

	assert.False(t, s.ClosedLoop, "closed loop must be opt-in")
	assert.Equal(t, 12*time.Minute, s.GlucoseMaxAge)
	assert.Equal(t, 60*time.Second, s.PumpTimeout)
	assert.Equal(t, 30, s.NeutralTempMinutes)
	assert.Equal(t, 0.1, s.BolusIncrement)
	assert.NoError(t, s.Validate())
	assert.False(t, s.IsConfigured())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultSettings().LoopInterval, s.LoopInterval)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "loop.db"), s.DatabasePath)
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")

	s := DefaultSettings()
	s.NightscoutURL = "https://ns.example.com"
	s.ClosedLoop = true
	s.SuggestionExpiry = 7 * time.Minute
	s.MaxBasal = 2.5
	s.DatabasePath = "/var/lib/loop/loop.db"
	require.NoError(t, s.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://ns.example.com", loaded.NightscoutURL)
	assert.True(t, loaded.ClosedLoop)
	assert.Equal(t, 7*time.Minute, loaded.SuggestionExpiry)
	assert.Equal(t, 2.5, loaded.MaxBasal)
	assert.Equal(t, "/var/lib/loop/loop.db", loaded.DatabasePath)
	assert.True(t, loaded.IsConfigured())
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		body string
	}{
		{"interval too short", "loopInterval: 10s\n"},
		{"negative limit", "maxBolus: -1\n"},
		{"bad url", "nightscoutUrl: not a url\n"},
		{"not yaml", "closedLoop: [\n"},
		{"unknown units", "units: mg\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := DefaultSettings()
	c := s.Clone()
	c.ClosedLoop = true
	c.Pump.BolusStep = 0.025

	assert.False(t, s.ClosedLoop)
	assert.Equal(t, 0.05, s.Pump.BolusStep)

	s.Update(c)
	assert.True(t, s.ClosedLoop)
}

func TestWatcher_Reloads(t *testing.T) {
	defer goleak.VerifyNone(t)

	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, DefaultSettings().Save(path))

	got := make(chan *Settings, 4)
	w, err := NewWatcher(path, func(s *Settings) { got <- s }, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	updated := DefaultSettings()
	updated.ClosedLoop = true
	require.NoError(t, updated.Save(path))

	select {
	case s := <-got:
		assert.True(t, s.ClosedLoop)
	case <-time.After(5 * time.Second):
		t.Fatal("settings change not observed")
	}

	cancel()
	require.NoError(t, <-errCh)
	<-w.Done()
}
