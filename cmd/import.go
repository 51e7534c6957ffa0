package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var importJournal bool

var importCmd = &cobra.Command{
	Use:   "import <state.json>",
	Short: "Import a bulk state and report what was loaded",
	Long: `Reads a state file ("-" for stdin) into the domain stores in dependency
order and prints the number of objects loaded per type. Objects of unknown
types or without an id are skipped. With --journal the state is also written
into the server journal.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().BoolVarP(&importJournal, "journal", "j", false, "Also write the state into the journal")
}

func runImport(cmd *cobra.Command, args []string) error {
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

	counts := stores.Counts()
	total := 0
	for _, name := range sortedKeys(counts) {
		fmt.Printf("%-14s %s\n", name, humanize.Comma(int64(counts[name])))
		total += counts[name]
	}
	fmt.Printf("Imported %s objects\n", humanize.Comma(int64(total)))

	if importJournal {
		j, err := openJournal()
		if err != nil {
			return err
		}
		defer func() { _ = j.Close() }()
		n, err := j.Import(cmd.Context(), snapshot(stores, nil))
		if err != nil {
			return fmt.Errorf("failed to write journal: %w", err)
		}
		fmt.Printf("Wrote %s objects to %s\n", humanize.Comma(int64(n)), cfg.Server.DB)
	}
	return nil
}
