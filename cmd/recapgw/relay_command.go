package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"recapflow/api-gateway/internal/backend"
)

func newRelayCommand(ctx *commandContext) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Deliver pipeline triggers and backend control messages from the outbox",
		Long: "Runs the outbox relay on its own, for deployments that start the API with serve --no-relay.\n" +
			"With --once it delivers the messages due now and exits.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			st, err := ctx.openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close()

			relay := newRelay(ctx.config, st, backend.NewClient(ctx.config, ctx.log), ctx.log)
			if once {
				n, err := relay.RunOnce(signalCtx)
				if err != nil {
					return err
				}
				cmd.Printf("attempted %d outbox messages\n", n)
				return nil
			}
			return relay.Run(signalCtx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Process one batch and exit")
	return cmd
}
