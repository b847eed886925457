// Command mcpmux serves the calculator executors over any supported transport, or
// calls a method on a running server.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
