package cmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show journal statistics",
	Long:  `Show object counts per type, the number of journaled events and the current cursor.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the stats as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	stats, err := j.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to get stats: %w", err)
	}
	if statusJSON {
		return printJSON(stats)
	}

	fmt.Println("Storesync Status")
	fmt.Println("================")
	fmt.Printf("Journal: %s\n\n", cfg.Server.DB)

	fmt.Println("Objects")
	fmt.Println("-------")
	total := 0
	for _, name := range sortedKeys(stats.Objects) {
		fmt.Printf("  %-14s %s\n", name, humanize.Comma(int64(stats.Objects[name])))
		total += stats.Objects[name]
	}
	fmt.Printf("Total objects: %s\n\n", humanize.Comma(int64(total)))

	fmt.Println("Events")
	fmt.Println("------")
	fmt.Printf("Journaled events: %s\n", humanize.Comma(stats.Events))
	fmt.Printf("Cursor: %d\n", stats.Cursor)
	if !stats.LastEventAt.IsZero() {
		fmt.Printf("Last event: %s\n", humanize.Time(stats.LastEventAt))
	}
	return nil
}
