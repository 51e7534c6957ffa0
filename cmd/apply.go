package cmd

import (
	"fmt"

	"github.com/establishment/storesync/internal/store"
	"github.com/establishment/storesync/internal/transport"
	"github.com/spf13/cobra"
)

var (
	applyEvents string
	applyTypes  []string
)

var applyCmd = &cobra.Command{
	Use:   "apply <state.json>",
	Short: "Replay an event log over a state and print the result",
	Long: `Imports a state file, then applies newline-delimited JSON events from
--events ("-" for stdin) through the dispatcher and prints the resulting
objects. Events for stores that are not loaded yet are held back and retried.`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringVarP(&applyEvents, "events", "e", "-", "Event log to replay")
	applyCmd.Flags().StringSliceVarP(&applyTypes, "type", "t", nil, "Only print these object types")
}

func runApply(cmd *cobra.Command, args []string) error {
	payload, err := readState(args[0])
	if err != nil {
		return err
	}

	stores, d, err := newReplica(nil, nil)
	if err != nil {
		return err
	}
	defer stores.Close()

	if err := d.ImportPayload(payload); err != nil {
		return fmt.Errorf("failed to import state: %w", err)
	}

	r, err := openInput(applyEvents)
	if err != nil {
		return fmt.Errorf("failed to open events: %w", err)
	}
	defer r.Close()

	dropped := 0
	n, err := transport.Replay(cmd.Context(), r, logger, func(ev store.Event) {
		if d.ApplyEvent(ev) != nil {
			dropped++
		}
	})
	if err != nil {
		return fmt.Errorf("failed to replay events: %w", err)
	}
	logger.Info("replayed events", "read", n, "dropped", dropped, "held", d.Pending())

	return printJSON(snapshot(stores, applyTypes))
}
