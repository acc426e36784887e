package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/useai-dev/useaid/slogger"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	require.False(t, cfg.SyncEnabled)
	require.True(t, cfg.MilestonesEnabled)
	require.True(t, cfg.Evaluation.Enabled)
	require.Equal(t, "standard", cfg.Evaluation.Detail)
	require.Equal(t, "", cfg.AuthToken)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.SyncEnabled = true
	cfg.AuthToken = "tok-123"
	cfg.User = UserSettings{Name: "Sam", Email: "sam@example.com"}
	cfg.Port = 9000
	require.NoError(t, Save(dir, cfg))

	loaded, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, cfg, loaded)

	// No temp file left behind.
	_, err = os.Stat(filepath.Join(dir, FileName+".tmp"))
	require.True(t, os.IsNotExist(err))
}

func TestLoadMalformedFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0644))
	_, err := Load(dir)
	require.Error(t, err)
}

func TestEffectivePort(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		t.Setenv("USEAI_PORT", "")
		os.Unsetenv("USEAI_PORT")
		require.Equal(t, DefaultPort, Default().EffectivePort())
	})

	t.Run("configured", func(t *testing.T) {
		t.Setenv("USEAI_PORT", "")
		os.Unsetenv("USEAI_PORT")
		cfg := Default()
		cfg.Port = 9000
		require.Equal(t, 9000, cfg.EffectivePort())
	})

	t.Run("env override wins", func(t *testing.T) {
		t.Setenv("USEAI_PORT", "9100")
		cfg := Default()
		cfg.Port = 9000
		require.Equal(t, 9100, cfg.EffectivePort())
	})

	t.Run("invalid env ignored", func(t *testing.T) {
		t.Setenv("USEAI_PORT", "not-a-port")
		cfg := Default()
		cfg.Port = 9000
		require.Equal(t, 9000, cfg.EffectivePort())
	})
}

func TestSyncURL(t *testing.T) {
	t.Setenv("USEAI_SYNC_URL", "")
	os.Unsetenv("USEAI_SYNC_URL")
	require.Equal(t, DefaultSyncURL, SyncURL())

	t.Setenv("USEAI_SYNC_URL", "http://localhost:8080")
	require.Equal(t, "http://localhost:8080", SyncURL())
}

func TestLoadAppliesDotEnv(t *testing.T) {
	t.Setenv("USEAI_PORT", "")
	os.Unsetenv("USEAI_PORT")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("USEAI_PORT=9999\n"), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.EffectivePort())
}

func TestWatchReloadsOnSave(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, Default()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, dir, slogger.NewDevNullLogger(), func(cfg *Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before the save.
	time.Sleep(100 * time.Millisecond)

	cfg := Default()
	cfg.SyncEnabled = true
	require.NoError(t, Save(dir, cfg))

	select {
	case got := <-reloaded:
		require.True(t, got.SyncEnabled)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for watcher to stop")
	}
}
