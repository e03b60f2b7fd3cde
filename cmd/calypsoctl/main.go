// Command calypsoctl is a demo CLI driving the Calypso transaction engine
// against a physical card through PC/SC, using a simulated SAM for session
// cryptography.
package main

import "github.com/1ph/calypsogo/cmd"

func main() {
	cmd.Execute()
}
