package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/moolen/nosql/internal/connection"
	"github.com/spf13/cobra"
)

var driversCmd = &cobra.Command{
	Use:   "drivers",
	Short: "List compiled-in backend drivers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printDrivers(cmd, connection.DefaultDrivers())
	},
}

func printDrivers(cmd *cobra.Command, drivers *connection.DriverRegistry) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TYPE\tVERSION\tTRANSACTIONS\tDESCRIPTION")
	for _, d := range drivers.List() {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", d.Backend, d.Version, d.SupportsTransactions, d.Description)
	}
	return w.Flush()
}
