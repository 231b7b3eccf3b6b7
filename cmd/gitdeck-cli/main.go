// Command gitdeck-cli runs gitdeck's scans and git operations from a
// terminal, against the same config and workspaces file as the desktop app.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
