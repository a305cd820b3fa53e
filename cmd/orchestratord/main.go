// Command orchestratord runs the orchestrator core as a standalone daemon:
// apply migrations, then serve the dispatcher, human-loop expiry poller,
// and merge worker until a shutdown signal arrives.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
