package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	cfg, err := Load("", dir)
	require.NoError(t, err)
	require.Equal(t, DriverBolt, cfg.Store.Driver)
	require.Equal(t, filepath.Join(dir, "livechat.db"), cfg.Store.Path)
	require.Equal(t, 10*time.Second, cfg.Store.Timeout)
	require.Equal(t, 24*time.Hour, cfg.Auth.SessionTTL)
	require.Equal(t, 30*time.Second, cfg.Subscriber.MaxBackoff)
	require.Equal(t, 100, cfg.Chat.Window)
	require.Equal(t, 5*time.Minute, cfg.Chat.GroupGap)
	require.Equal(t, 2.0, cfg.Chat.SendRate)
	require.Equal(t, 5, cfg.Chat.SendBurst)
	require.Equal(t, 5, cfg.Login.MaxFailures)
	require.Empty(t, cfg.Metrics.Addr)
	require.Equal(t, DefaultTenants, cfg.Tenants)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, t.TempDir())
	file := filepath.Join(dir, "livechat.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
store:
  driver: postgres
  dsn: postgres://localhost/chat
chat:
  window: 50
  group_gap: 2m
tenants:
  - id: acme
    name: Acme
    color: "#ff0000"
`), 0o600))

	t.Setenv("LIVECHAT_CHAT_WINDOW", "25")
	t.Setenv("LIVECHAT_METRICS_ADDR", ":9100")

	cfg, err := Load("", dir)
	require.NoError(t, err)
	require.Equal(t, DriverPostgres, cfg.Store.Driver)
	require.Equal(t, "postgres://localhost/chat", cfg.Store.DSN)
	require.Equal(t, 25, cfg.Chat.Window)
	require.Equal(t, 2*time.Minute, cfg.Chat.GroupGap)
	require.Equal(t, ":9100", cfg.Metrics.Addr)
	require.Len(t, cfg.Tenants, 1)

	tn, ok := cfg.Tenant("acme")
	require.True(t, ok)
	require.Equal(t, "Acme", tn.Name)
	_, ok = cfg.Tenant("nope")
	require.False(t, ok)
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	t.Setenv("LIVECHAT_STORE_DRIVER", "postgres")
	_, err := Load("", dir)
	require.ErrorContains(t, err, "store.dsn")

	t.Setenv("LIVECHAT_STORE_DRIVER", "redis")
	_, err = Load("", dir)
	require.ErrorContains(t, err, "unknown store.driver")

	_, err = Load(filepath.Join(dir, "missing.yaml"), dir)
	require.Error(t, err)
}

func TestSigningKey_Persisted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var cfg Config
	a, err := cfg.SigningKey(dir)
	require.NoError(t, err)
	require.Len(t, a, 32)
	b, err := cfg.SigningKey(dir)
	require.NoError(t, err)
	require.Equal(t, a, b)

	cfg.Auth.SigningKey = "explicit"
	c, err := cfg.SigningKey(dir)
	require.NoError(t, err)
	require.Equal(t, []byte("explicit"), c)
}

// chdir changes the working directory for the rest of the test and restores
// it on cleanup (stand-in for testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
