package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/solemn-relay/goipx/internal/carrier/udp"
	"github.com/solemn-relay/goipx/internal/ipxaddr"
	"github.com/solemn-relay/goipx/internal/router"
)

// chanDispatcher is a router.Dispatcher that forwards packets addressed to
// socket to a channel instead of a socket registry, for one-shot capture.
type chanDispatcher struct {
	socket uint16
	out    chan router.Inbound
}

func (d *chanDispatcher) Dispatch(in router.Inbound) int {
	if in.Dst.Socket != d.socket {
		return 0
	}
	select {
	case d.out <- in:
	default:
	}
	return 1
}

func (d *chanDispatcher) FindSPXListener(router.Address) (uint16, bool) {
	return 0, false
}

func recvCmd() *cobra.Command {
	var (
		netNum  string
		socket  uint16
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Wait for a single IPX-over-UDP packet",
		Long: "One-shot packet receive, the way ipx-recv blocked for a single\n" +
			"datagram from the command line. Listens on the given socket number\n" +
			"and prints the first matching packet, or times out.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			localNet, err := ipxaddr.ParseNet(netNum)
			if err != nil {
				return fmt.Errorf("parse --net: %w", err)
			}

			c, err := udp.New(udp.Config{Net: localNet, Logger: discardLogger()})
			if err != nil {
				return fmt.Errorf("open carrier: %w", err)
			}
			defer c.Close()

			dispatch := &chanDispatcher{socket: socket, out: make(chan router.Inbound, 1)}
			rtr := router.New(router.Config{
				Dispatcher: dispatch,
				Carrier:    "ipxctl",
				Logger:     discardLogger(),
			})
			c.AttachRouter(rtr)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			g, gCtx := errgroup.WithContext(ctx)
			g.Go(func() error { return c.Run(gCtx) })

			select {
			case in := <-dispatch.out:
				fmt.Printf("received %d bytes from %s/%s/%d to socket %d (type %d)\n",
					len(in.Payload), in.Src.Net, in.Src.Node, in.Src.Socket, in.Dst.Socket, in.PacketType)
				fmt.Printf("payload: %q\n", in.Payload)
			case <-ctx.Done():
				cancel()
				_ = g.Wait()
				return fmt.Errorf("timed out after %s waiting on socket %d", timeout, socket)
			}

			cancel()
			_ = g.Wait()
			return nil
		},
	}

	cmd.Flags().StringVar(&netNum, "net", "00:00:00:01", "local IPX network number")
	cmd.Flags().Uint16Var(&socket, "socket", 0, "local socket number to listen on")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for a packet")
	return cmd
}
