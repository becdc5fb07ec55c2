package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testMasterKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("BOT_TOKEN", "123:abc")
	t.Setenv("MASTER_KEY_B64", testMasterKey)
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ModeAll, cfg.AppMode)
	require.Equal(t, "sqlite", cfg.DB.Driver)
	require.Equal(t, "Riley", cfg.Chat.DefaultAIName)
	require.Equal(t, "general", cfg.Chat.DefaultMode)
	require.Equal(t, 1000, cfg.Chat.MaxTokens)
	require.Equal(t, 200*time.Millisecond, cfg.Chat.ModelCheckDelay)
	require.Equal(t, "default", cfg.Crypto.CurrentKeyID)
	require.Len(t, cfg.Crypto.Keys["default"], 32)
}

func TestLoadRejectsMissingToken(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("BOT_TOKEN", "")

	_, err := Load()
	require.ErrorIs(t, err, ErrMissingBotToken)
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("DEFAULT_MODE", "lecture")

	_, err := Load()
	require.ErrorIs(t, err, ErrInvalidDefaultMode)
}

func TestLoadPrivateModeNeedsAdmin(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("BOT_ACCESS_MODE", "private")

	_, err := Load()
	require.ErrorIs(t, err, ErrMissingAdminUserID)

	t.Setenv("ADMIN_USER_ID", "42")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, int64(42), cfg.AdminUserID)
}

func TestLoadReadsDotEnv(t *testing.T) {
	setBaseEnv(t)
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("DEFAULT_AI_NAME=Krrish\nHISTORY_LIMIT=12\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Cleanup(func() {
		_ = os.Unsetenv("DEFAULT_AI_NAME")
		_ = os.Unsetenv("HISTORY_LIMIT")
	})

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "Krrish", cfg.Chat.DefaultAIName)
	require.Equal(t, 12, cfg.Chat.HistoryLimit)
}

func TestLoadRejectsShortMasterKey(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MASTER_KEY_B64", "c2hvcnQ=")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "32 bytes")
}
