// ipxctl is the debug/admin CLI for inspecting IPX interfaces and the
// process-shared socket-number table, and for sending or receiving
// one-shot IPX-over-UDP packets.
package main

import "github.com/solemn-relay/goipx/cmd/ipxctl/commands"

func main() {
	commands.Execute()
}
