package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFromEnviron_Defaults(t *testing.T) {
	cfg, err := FromEnviron(nil)
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:3000", cfg.ListenAddr())
	require.Equal(t, 256, cfg.WorkerPoolSize)
	require.Equal(t, 10000, cfg.MaxConnections)
	require.Equal(t, 10*time.Second, cfg.ReadTimeout)
	require.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, 1024, cfg.RelayQueueSize)
	require.Equal(t, 256, cfg.SendQueueSize)
	require.Equal(t, 4096, cfg.ObserverQueueSize)
	require.Equal(t, 20, cfg.MaxNameLength)
	require.Equal(t, 2000, cfg.MaxTextLength)
	require.Empty(t, cfg.RedisAddr)
	require.Empty(t, cfg.NATSURL)
	require.Empty(t, cfg.DatabaseURL)
	require.NotEmpty(t, cfg.ServerName)
	require.Equal(t, []string{DefaultOrigin}, cfg.Origins())
}

func TestFromEnviron_Overrides(t *testing.T) {
	cfg, err := FromEnviron([]string{
		"PORT=8080",
		"HOST=127.0.0.1",
		"FRONTEND_URL=https://chat.example.com/",
		"ALLOWED_ORIGINS=http://localhost:5173, https://chat.example.com ,",
		"READ_TIMEOUT=2s",
		"MAX_NAME_LENGTH=32",
		"NATS_URL=nats://nats:4222",
		"SERVER_NAME=lobby-7",
	})
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:8080", cfg.ListenAddr())
	require.Equal(t, 2*time.Second, cfg.ReadTimeout)
	require.Equal(t, 32, cfg.MaxNameLength)
	require.Equal(t, "nats://nats:4222", cfg.NATSURL)
	require.Equal(t, "lobby-7", cfg.ServerName)
	require.Equal(t, []string{"https://chat.example.com", "http://localhost:5173"}, cfg.Origins())
}

func TestFromEnviron_Invalid(t *testing.T) {
	cases := map[string][]string{
		"port out of range": {"PORT=70000"},
		"port not a number": {"PORT=abc"},
		"zero workers":      {"WORKER_POOL_SIZE=0"},
		"bad duration":      {"READ_TIMEOUT=soon"},
		"bad nats url":      {"NATS_URL=not a url"},
		"zero name limit":   {"MAX_NAME_LENGTH=0"},
	}

	for name, environ := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromEnviron(environ)
			require.Error(t, err)
		})
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("MAX_TEXT_LENGTH=500\nSERVER_NAME=from-dotenv\n"), 0o600))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	// The process environment wins over .env.
	t.Setenv("SERVER_NAME", "from-env")
	t.Setenv("MAX_TEXT_LENGTH", "")
	require.NoError(t, os.Unsetenv("MAX_TEXT_LENGTH"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 500, cfg.MaxTextLength)
	require.Equal(t, "from-env", cfg.ServerName)
}
