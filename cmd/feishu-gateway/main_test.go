package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"github.com/memohai/feishu-gateway/internal/config"
)

func TestAppGraphIsComplete(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Feishu.Accounts = []config.FeishuAccount{{ID: "main", AppID: "cli_app", AppSecret: "secret"}}
	require.NoError(t, fx.ValidateApp(appOptions(cfg)))
}

func TestRootCommandHasSubcommands(t *testing.T) {
	t.Parallel()

	root := newRootCmd()
	names := map[string]bool{}
	for _, sub := range root.Commands() {
		names[sub.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["status"])
	require.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestPrintStatusWithoutAccounts(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	require.NoError(t, printStatus(context.Background(), &out, config.Default()))
	assert.Equal(t, "no feishu accounts configured\n", out.String())
}

func TestPrintStatusSkipsDisabledAccounts(t *testing.T) {
	t.Parallel()

	off := false
	cfg := config.Default()
	cfg.Feishu.Accounts = []config.FeishuAccount{
		{ID: "paused", AppID: "cli_app", AppSecret: "secret", ConnectionMode: "webhook", Enabled: &off},
	}
	var out bytes.Buffer
	require.NoError(t, printStatus(context.Background(), &out, cfg))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "ACCOUNT")
	assert.Equal(t, []string{"paused", "webhook", "disabled", "-", "-"}, strings.Fields(lines[1]))
}

func TestLoadConfigReportsPath(t *testing.T) {
	t.Parallel()

	_, err := loadConfig(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}
