// Command agentrelay serves interactive CLI agent sessions to remote clients.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
