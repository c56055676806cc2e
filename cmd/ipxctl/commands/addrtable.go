package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func addrTableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "addrtable",
		Short: "Dump the process-shared socket-number table",
		Long: "Opens the same memory-mapped table every router process reads and\n" +
			"writes to coordinate bound socket numbers, and lists every occupied\n" +
			"entry across every co-resident process.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			table := openTable()
			defer table.Close()

			entries := table.Snapshot()
			out, err := formatEntries(entries, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}
