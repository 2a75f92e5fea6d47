package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/feishu-gateway/internal/channel"
	"github.com/memohai/feishu-gateway/internal/channel/adapters/feishu"
	"github.com/memohai/feishu-gateway/internal/config"
	"github.com/memohai/feishu-gateway/internal/logger"
)

const statusTimeout = 15 * time.Second

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Validate the config and print each account's bot identity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath(cmd))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), statusTimeout)
			defer cancel()
			return printStatus(ctx, cmd.OutOrStdout(), cfg)
		},
	}
}

func printStatus(ctx context.Context, out io.Writer, cfg config.Config) error {
	log := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	registry := channel.NewRegistry()
	registry.MustRegister(feishu.NewFeishuAdapter(log))

	accounts := feishu.ChannelConfigsFromAccounts(cfg.Feishu.Accounts)
	if len(accounts) == 0 {
		_, _ = fmt.Fprintln(out, "no feishu accounts configured")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ACCOUNT\tMODE\tSTATUS\tIDENTITY\tNAME")
	failed := 0
	for _, account := range accounts {
		mode := channel.ReadString(account.Credentials, "connection_mode")
		if mode == "" {
			mode = config.ConnectionModeWebsocket
		}
		if account.Disabled {
			_, _ = fmt.Fprintf(w, "%s\t%s\tdisabled\t-\t-\n", account.ID, mode)
			continue
		}
		identity, external, err := registry.DiscoverSelf(ctx, feishu.Type, account.Credentials)
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(w, "%s\t%s\terror: %v\t-\t-\n", account.ID, mode, err)
			continue
		}
		name := channel.ReadString(identity, "name")
		if name == "" {
			name = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\tok\t%s\t%s\n", account.ID, mode, external, name)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d accounts failed identity discovery", failed, len(accounts))
	}
	return nil
}
