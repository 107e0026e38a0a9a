package subcmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/meerkat-bl/bluse/kernel/store"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewAlertsCommand())
}

func NewAlertsCommand() *cobra.Command {
	alertsCmd := &AlertsCommand{}

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Print lifecycle alerts as they are published",
		RunE:  alertsCmd.run,
	}

	cmd.Flags().StringVarP(&alertsCmd.ConfigPath, "config", "c", "", "path to YAML configuration file (defaults are used when empty)")
	cmd.Flags().StringVar(&alertsCmd.Channel, "channel", "", "alert channel (overrides redis.channel)")

	return cmd
}

type AlertsCommand struct {
	ConfigPath string
	Channel    string
}

func (a *AlertsCommand) run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(a.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	channel := cfg.Redis.Channel
	if a.Channel != "" {
		channel = a.Channel
	}

	st, err := store.NewStore(cfg.Store.Type, cfg.RedisOptions())
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return printAlerts(ctx, st, channel, cmd)
}

func printAlerts(ctx context.Context, bus store.AlertBus, channel string, cmd *cobra.Command) error {
	sub, err := bus.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	defer func() { _ = sub.Close() }()

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, open := <-sub.Messages():
			if !open {
				return nil
			}
			if alert, err := model.ParseAlert(msg); err == nil {
				_, _ = fmt.Fprintf(out, "%-14s %s\n", alert.Event, alert.Product)
			} else {
				_, _ = fmt.Fprintf(out, "%-14s %s\n", "?", msg)
			}
		}
	}
}
