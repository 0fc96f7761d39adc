// Command controller drives a pair of Manager daemons through the
// training-session lifecycle (spec.md Section 4.2): create-session,
// start-round, collect, abort-round, end-session.
package main

import "github.com/dpsa4fl/dpsa4fl-go/cmd/controller/commands"

func main() {
	commands.Execute()
}
