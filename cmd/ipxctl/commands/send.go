package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solemn-relay/goipx/internal/carrier/udp"
	"github.com/solemn-relay/goipx/internal/ipxaddr"
	"github.com/solemn-relay/goipx/internal/router"
)

func sendCmd() *cobra.Command {
	var (
		netNum    string
		dstNet    string
		dstNode   string
		dstSocket uint16
		ptype     uint8
		payload   string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a single IPX-over-UDP packet",
		Long: "One-shot packet send, the way ipx-send sent a single datagram from\n" +
			"the command line for manual protocol testing. The source address is\n" +
			"this carrier's own wildcard interface; only the destination is\n" +
			"user-specified.",
		Args: cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			localNet, err := ipxaddr.ParseNet(netNum)
			if err != nil {
				return fmt.Errorf("parse --net: %w", err)
			}
			destNet, err := ipxaddr.ParseNet(dstNet)
			if err != nil {
				return fmt.Errorf("parse --dst-net: %w", err)
			}
			destNode, err := ipxaddr.ParseNode(dstNode)
			if err != nil {
				return fmt.Errorf("parse --dst-node: %w", err)
			}

			c, err := udp.New(udp.Config{Net: localNet, Logger: discardLogger()})
			if err != nil {
				return fmt.Errorf("open carrier: %w", err)
			}
			defer c.Close()

			ifaces, err := c.Ifaces().Snapshot()
			if err != nil || len(ifaces) == 0 {
				return fmt.Errorf("carrier reports no local interfaces: %w", err)
			}
			src := router.Address{Net: ifaces[0].Net, Node: ifaces[0].Node, Socket: 0}

			dst := router.Address{Net: destNet, Node: destNode, Socket: dstSocket}
			if err := c.Send(ptype, src, dst, []byte(payload)); err != nil {
				return fmt.Errorf("send: %w", err)
			}

			fmt.Printf("sent %d bytes from %s/%s/%d to %s/%s/%d\n",
				len(payload), src.Net, src.Node, src.Socket, dst.Net, dst.Node, dst.Socket)
			return nil
		},
	}

	cmd.Flags().StringVar(&netNum, "net", "00:00:00:01", "local IPX network number")
	cmd.Flags().StringVar(&dstNet, "dst-net", "00:00:00:01", "destination IPX network number")
	cmd.Flags().StringVar(&dstNode, "dst-node", "ff:ff:ff:ff:ff:ff", "destination IPX node number")
	cmd.Flags().Uint16Var(&dstSocket, "dst-socket", 0, "destination socket number")
	cmd.Flags().Uint8Var(&ptype, "type", 0, "IPX packet type")
	cmd.Flags().StringVar(&payload, "data", "ipxctl send", "payload bytes (as a UTF-8 string)")
	return cmd
}
