package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ahmadzakiakmal/supplychain-provenance/eventsync"
	"github.com/spf13/cobra"
)

var watchReplay bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print contract events as they are committed",
	Long: `Follow the contract's event stream and print every event as one JSON
line. Switching the wallet's active account in the config file restarts the
stream for the new session.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
		rt, err := newRuntime(ctx, runtimeOptions{
			mirror: true,
			replay: watchReplay,
			handler: func(ev eventsync.Event) {
				if err := printLine(out, ev); err != nil {
					fmt.Fprintln(errOut, "print event:", err)
				}
			},
		})
		if err != nil {
			return err
		}
		defer rt.Close()

		<-ctx.Done()
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolVar(&watchReplay, "replay", false, "print the contract's past events first")
}
