package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func socketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sockets",
		Short: "List bound socket numbers across every co-resident process",
		Long: "A compact, per-socket view of the same process-shared table addrtable\n" +
			"dumps in full; use addrtable for the net/node/reuse/age detail.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			table := openTable()
			defer table.Close()

			entries := table.Snapshot()
			out, err := formatSockets(entries, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}
