package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
log_level: debug
round:
  game_id: abc123
  color: gote
  socket_url: wss://play.example/abc123/socket
  snapshot_url: https://play.example/abc123/gote
  ack_resend: 2s
  resync_timeout: 4s
status:
  addr: 127.0.0.1:9000
journal:
  enabled: true
  stream: ROUNDS
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roundsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, zerolog.DebugLevel, cfg.Level())
	assert.Equal(t, "gote", cfg.Round.Color)
	assert.Equal(t, 2*time.Second, cfg.Round.AckResend)
	assert.True(t, cfg.Journal.Enabled)

	// Untouched keys keep their defaults.
	assert.Equal(t, 5, cfg.Round.AckMaxResend)
	assert.True(t, cfg.Status.Enabled)
	assert.Equal(t, "round.events", cfg.Journal.SubjectPrefix)

	sc := cfg.SessionConfig()
	assert.Equal(t, 2*time.Second, sc.Socket.AckResend)
	assert.Equal(t, 4*time.Second, sc.Socket.ResyncTimeout)
	assert.Equal(t, "ROUNDS", cfg.JournalConfig().StreamName)
	assert.Equal(t, "127.0.0.1:9000", cfg.StatusConfig().Addr)
	assert.Equal(t, "wss://play.example/abc123/socket", cfg.TransportConfig().URL)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROUND_SOCKET_URL", "ws://localhost:9664/socket")
	t.Setenv("ROUND_ACK_MAX_RESEND", "2")
	t.Setenv("STATUS_ENABLED", "false")
	t.Setenv("ARCHIVE_ENABLED", "true")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9664/socket", cfg.Round.SocketURL)
	assert.Equal(t, 2, cfg.Round.AckMaxResend)
	assert.False(t, cfg.Status.Enabled)
	assert.True(t, cfg.Archive.Enabled)
}

func TestValidate(t *testing.T) {
	_, err := Load("")
	assert.ErrorIs(t, err, ErrMissingURL)

	t.Setenv("ROUND_SOCKET_URL", "ws://localhost/socket")
	t.Setenv("ROUND_SNAPSHOT_RPC", "http://localhost:8090")
	_, err = Load("")
	assert.ErrorContains(t, err, "game_id")

	t.Setenv("ROUND_GAME_ID", "g1")
	t.Setenv("ROUND_COLOR", "black")
	_, err = Load("")
	assert.ErrorContains(t, err, "not sente or gote")

	t.Setenv("ROUND_COLOR", "sente")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "g1", cfg.Round.GameID)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "round: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config")
}
