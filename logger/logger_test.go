package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/bouncer/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("debug"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("info"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("bogus"))
}

func TestSyslogLine(t *testing.T) {
	r := slog.NewRecord(time.Now(), slog.LevelInfo, "Mailbox: purged mbox messages", 0)
	r.AddAttrs(slog.String("path", "/var/mail/bounce box"), slog.Int("purged", 2), slog.String("note", ""))

	line := syslogLine([]slog.Attr{slog.String("source", "mbox")}, r)
	assert.Equal(t, `Mailbox: purged mbox messages source=mbox path="/var/mail/bounce box" purged=2 note=""`, line)

	h := (&syslogHandler{}).WithAttrs([]slog.Attr{slog.String("source", "imap")})
	assert.Equal(t, "Mailbox: purged mbox messages source=imap", syslogLine(h.(*syslogHandler).attrs, slog.NewRecord(time.Now(), slog.LevelInfo, "Mailbox: purged mbox messages", 0)))
}

func TestInitializeFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bouncer.log")

	logFile, err := Initialize(config.LoggingConfig{Output: path, Format: "json", Level: "info"})
	require.NoError(t, err)
	require.NotNil(t, logFile)

	Info("PROCESSOR: run finished", "read", 3)
	Debug("not written at info level")
	require.NoError(t, logFile.Close())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"msg":"PROCESSOR: run finished"`)
	assert.Contains(t, string(content), `"read":3`)
	assert.NotContains(t, string(content), "not written")

	_, err = Initialize(config.LoggingConfig{Output: "stderr"})
	require.NoError(t, err)
}

func TestInitializeUnwritableFile(t *testing.T) {
	_, err := Initialize(config.LoggingConfig{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.Error(t, err)
}
