package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"channel-recorder/pkg/recorder"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets every variable the worker reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SOURCE", "TELEGRAM_BOT_TOKEN", "SLACK_BOT_TOKEN", "SLACK_APP_TOKEN",
		"STORAGE_BUCKET", "STORAGE_PREFIX", "LOCAL_STORAGE", "CHANNELS_FILE", "CHANNELS",
		"PORT", "RESTORE_VERSIONS", "BACKFILL_ON_START", "HISTORY_LIMIT",
		"ALERT_EMAIL", "GOOGLE_CREDENTIALS_JSON", "BREVO_API_KEY", "ALERT_FROM",
		"LOG_FORMAT", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := configFromEnv()
	require.NoError(t, err)
	assert.Equal(t, sourceTelegram, cfg.Source)
	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.RestoreVersions)
	assert.False(t, cfg.BackfillOnStart)
	assert.Equal(t, 200, cfg.HistoryLimit)

	local, bucket := cfg.storageMode()
	assert.Equal(t, "./data", local)
	assert.Empty(t, bucket)
}

func TestConfigFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOURCE", "Slack")
	t.Setenv("STORAGE_BUCKET", "rates-raw")
	t.Setenv("RESTORE_VERSIONS", "false")
	t.Setenv("BACKFILL_ON_START", "1")
	t.Setenv("HISTORY_LIMIT", "50")
	t.Setenv("PORT", "9090")

	cfg, err := configFromEnv()
	require.NoError(t, err)
	assert.Equal(t, sourceSlack, cfg.Source)
	assert.False(t, cfg.RestoreVersions)
	assert.True(t, cfg.BackfillOnStart)
	assert.Equal(t, 50, cfg.HistoryLimit)
	assert.Equal(t, "9090", cfg.Port)

	local, bucket := cfg.storageMode()
	assert.Empty(t, local)
	assert.Equal(t, "rates-raw", bucket)
}

func TestConfigFromEnvInvalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"RESTORE_VERSIONS", "maybe"},
		{"BACKFILL_ON_START", "sometimes"},
		{"HISTORY_LIMIT", "lots"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := configFromEnv()
			assert.ErrorContains(t, err, tt.key)
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config
		wantErr string
	}{
		{"telegram ok", config{Source: sourceTelegram, TelegramToken: "t", HistoryLimit: 1}, ""},
		{"telegram missing token", config{Source: sourceTelegram, HistoryLimit: 1}, "TELEGRAM_BOT_TOKEN"},
		{"slack ok", config{Source: sourceSlack, SlackBotToken: "b", SlackAppToken: "a", HistoryLimit: 1}, ""},
		{"slack missing app token", config{Source: sourceSlack, SlackBotToken: "b", HistoryLimit: 1}, "SLACK_APP_TOKEN"},
		{"unknown source", config{Source: "irc", HistoryLimit: 1}, "unknown source"},
		{"bad limit", config{Source: sourceTelegram, TelegramToken: "t"}, "history limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestConfigRegistry(t *testing.T) {
	cfg := &config{}
	reg, err := cfg.registry()
	require.NoError(t, err)
	assert.Equal(t, 7, reg.Len())

	cfg.Channels = "rates=@rates_kyiv"
	reg, err = cfg.registry()
	require.NoError(t, err)
	assert.Equal(t, []string{"RATES"}, reg.Aliases())

	path := filepath.Join(t.TempDir(), "channels.yaml")
	require.NoError(t, os.WriteFile(path, []byte("channels:\n  ONE: \"@one\"\n  TWO: \"@two\"\n"), 0o600))
	cfg.ChannelsFile = path
	reg, err = cfg.registry()
	require.NoError(t, err)
	assert.Equal(t, []string{"ONE", "TWO"}, reg.Aliases(), "file takes precedence over CHANNELS")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestChannelsCommand(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_PREFIX", "raw/")
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "raw"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw", "GARANT_raw.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw", "OLD_raw.txt"), []byte("x"), 0o600))

	out, err := execute(t, "--local-storage", dir, "channels")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 9)
	assert.Equal(t, []string{"ALIAS", "REF", "OBJECT", "STORED"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"GARANT", "@obmen_kyiv", "raw/GARANT_raw.txt", "true"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"SWAPS", "@Obmen_usd", "raw/SWAPS_raw.txt", "false"}, strings.Fields(lines[7]))
	assert.Equal(t, "stored but not configured: OLD", lines[8])
}

func TestImportCommand(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()

	loc := recorder.DefaultLocation()
	date := time.Date(2024, 1, 1, 10, 0, 0, 0, loc)
	text := recorder.FormatBlock("GARANT", "7", 1, date, time.Time{}, "rates", loc)
	src := filepath.Join(t.TempDir(), "garant.txt")
	require.NoError(t, os.WriteFile(src, []byte(text), 0o600))

	out, err := execute(t, "--local-storage", dir, "import", "garant", src)
	require.NoError(t, err)
	assert.Equal(t, "imported 1 messages into GARANT\n", out)

	stored, err := os.ReadFile(filepath.Join(dir, "GARANT_raw.txt"))
	require.NoError(t, err)
	assert.Equal(t, text, string(stored))

	_, err = execute(t, "--local-storage", dir, "import", "GARANT", src)
	assert.ErrorIs(t, err, errStoredText)

	_, err = execute(t, "--local-storage", dir, "import", "--force", "GARANT", src)
	assert.NoError(t, err)

	_, err = execute(t, "--local-storage", dir, "import", "NOPE", src)
	assert.ErrorContains(t, err, "unknown channel")

	junk := filepath.Join(t.TempDir(), "junk.txt")
	require.NoError(t, os.WriteFile(junk, []byte("not a block\n"), 0o600))
	_, err = execute(t, "--local-storage", dir, "import", "--force", "GARANT", junk)
	assert.ErrorContains(t, err, "no recorded blocks")
}

func TestVersionsCommand(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("CHANNELS", "GARANT=@obmen_kyiv,SWAPS=@Obmen_usd")

	loc := recorder.DefaultLocation()
	date := time.Date(2024, 1, 1, 10, 0, 0, 0, loc)
	text := recorder.FormatBlock("GARANT", "42", 2, date, date.Add(time.Minute), "edit", loc) +
		recorder.FormatBlock("GARANT", "43", 1, date, time.Time{}, "new", loc) +
		recorder.FormatBlock("GARANT", "42", 1, date, time.Time{}, "orig", loc)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "GARANT_raw.txt"), []byte(text), 0o600))

	out, err := execute(t, "--local-storage", dir, "versions", "-v")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, []string{"GARANT", "2", "1", "2"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"42", "v2"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"43", "v1"}, strings.Fields(lines[3]))
	assert.Equal(t, []string{"SWAPS", "0", "0", "0"}, strings.Fields(lines[4]))

	_, err = execute(t, "--local-storage", dir, "versions", "NOPE")
	assert.ErrorContains(t, err, "unknown channel")
}

func TestBackfillCommandNeedsTelegram(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "--source", "slack", "--local-storage", t.TempDir(), "backfill")
	assert.ErrorIs(t, err, errNoHistory)
}

func TestRunValidatesConfig(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "--local-storage", t.TempDir(), "run")
	assert.ErrorContains(t, err, "TELEGRAM_BOT_TOKEN")
}

func TestInvalidLogFormat(t *testing.T) {
	clearEnv(t)
	_, err := execute(t, "--log-format", "xml", "channels")
	assert.ErrorContains(t, err, "log format")
}

func TestSortIDs(t *testing.T) {
	ids := []string{"10", "9", "abc", "1700000000.000200", "100"}
	sortIDs(ids)
	assert.Equal(t, []string{"9", "10", "100", "1700000000.000200", "abc"}, ids)
}
