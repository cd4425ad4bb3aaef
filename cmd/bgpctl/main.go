// bgpctl -- read-only introspection CLI for the bgpd daemon.
package main

import "github.com/arrownet/bgpd/cmd/bgpctl/commands"

func main() {
	commands.Execute()
}
