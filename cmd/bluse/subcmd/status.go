package subcmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/meerkat-bl/bluse/kernel/api"
	"github.com/meerkat-bl/bluse/kernel/model"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewStatusCommand())
}

func NewStatusCommand() *cobra.Command {
	statusCmd := &StatusCommand{}

	cmd := &cobra.Command{
		Use:   "status [product_id]",
		Short: "Show the data products a running coordinator is tracking",
		Args:  cobra.MaximumNArgs(1),
		RunE:  statusCmd.status,
	}

	cmd.Flags().StringVarP(&statusCmd.URL, "url", "u", "http://localhost:8080", "status api base url")
	cmd.Flags().DurationVar(&statusCmd.Timeout, "timeout", 10*time.Second, "request timeout")

	return cmd
}

type StatusCommand struct {
	URL     string
	Timeout time.Duration
}

func (s *StatusCommand) status(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
	defer cancel()
	client := api.NewClient(s.URL)

	if len(args) == 1 {
		product, err := client.Product(ctx, model.ProductID(args[0]))
		if err != nil {
			return err
		}
		renderProducts([]api.ProductStatus{*product})
		renderRecent(product.Recent)
		return nil
	}

	products, err := client.Products(ctx)
	if err != nil {
		return err
	}
	renderProducts(products)
	return nil
}

func renderProducts(products []api.ProductStatus) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Product", "State", "Antennas", "Channels", "Proxy", "Subscription", "Sensors"})
	for _, p := range products {
		subState, sensorCount := "-", 0
		if p.Subscription != nil {
			subState = string(p.Subscription.State)
			if !p.Subscription.Serviced {
				subState += " (suspended)"
			}
			sensorCount = len(p.Subscription.Sensors)
		}
		t.AppendRow(table.Row{
			p.Record.Id,
			p.Record.State,
			len(p.Record.Antennas),
			p.Record.NChannels,
			p.Record.ProxyName,
			subState,
			sensorCount,
		})
	}
	t.AppendFooter(table.Row{fmt.Sprintf("%d product(s)", len(products))})
	t.Render()
}

func renderRecent(recent map[string]model.SensorSample) {
	if len(recent) == 0 {
		return
	}
	names := make([]string, 0, len(recent))
	for name := range recent {
		names = append(names, name)
	}
	sort.Strings(names)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Sensor", "Value", "Status", "Received"})
	for _, name := range names {
		sample := recent[name]
		t.AppendRow(table.Row{name, strings.TrimSpace(sample.Value), sample.Status, epochString(sample.Timestamp)})
	}
	t.Render()
}

func epochString(ts float64) string {
	if ts == 0 {
		return "-"
	}
	return time.Unix(0, int64(ts*float64(time.Second))).UTC().Format("2006-01-02 15:04:05.000")
}
