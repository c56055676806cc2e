package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solemn-relay/goipx/internal/carrier/udp"
	"github.com/solemn-relay/goipx/internal/ipxaddr"
)

func interfacesCmd() *cobra.Command {
	var netNum string

	cmd := &cobra.Command{
		Use:   "interfaces",
		Short: "List the host's IPX-over-UDP interfaces",
		Long: "Rebuilds the same IPv4-interface-to-IPX-interface enumeration the udp\n" +
			"carrier performs at startup, the way list-interfaces queried adapter\n" +
			"info one entry at a time — without binding a socket, so it runs safely\n" +
			"alongside an already-running daemon.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			netVal, err := ipxaddr.ParseNet(netNum)
			if err != nil {
				return fmt.Errorf("parse --net: %w", err)
			}

			ifaces, err := udp.BuildInterfaces(netVal)
			if err != nil {
				return fmt.Errorf("enumerate interfaces: %w", err)
			}

			out, err := formatInterfaces(ifaces, outputFormat)
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&netNum, "net", "00:00:00:01",
		"IPX network number to assign to discovered interfaces")
	return cmd
}
