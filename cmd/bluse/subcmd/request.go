package subcmd

import (
	"context"
	"fmt"
	"time"

	"github.com/meerkat-bl/bluse/kernel/katcp"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func init() {
	RootCmd.AddCommand(NewRequestCommand())
}

func NewRequestCommand() *cobra.Command {
	requestCmd := &RequestCommand{}

	cmd := &cobra.Command{
		Use:   "request <name> [args...]",
		Short: "Send one KATCP request to a coordinator and print the reply",
		Example: `  bluse request configure array_1 m000,m001 4096 '{"cam.http":{"camdata":"http://portal/api/client/1"}}' BLUSE
  bluse request capture-init array_1
  bluse request help`,
		Args: cobra.MinimumNArgs(1),
		RunE: requestCmd.request,
	}

	cmd.Flags().StringVarP(&requestCmd.Addr, "addr", "a", "localhost:5000", "katcp server address")
	cmd.Flags().DurationVar(&requestCmd.Timeout, "timeout", 30*time.Second, "request timeout")

	return cmd
}

type RequestCommand struct {
	Addr    string
	Timeout time.Duration
}

func (r *RequestCommand) request(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.Timeout)
	defer cancel()

	client, err := katcp.Dial(ctx, r.Addr)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	reply, informs, err := client.Request(ctx, args[0], args[1:]...)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, inform := range informs {
		_, _ = fmt.Fprintln(out, inform.String())
	}
	_, _ = fmt.Fprintln(out, reply.String())
	if !reply.OK() {
		return errors.Errorf("request '%s' was not successful", args[0])
	}
	return nil
}
