// livesync keeps dashboard WebSocket channels synchronized.
package main

import (
	"os"

	"github.com/workspace/livesync/cmd"
)

// Build information injected via ldflags at build time.
var version = "dev"

func main() {
	cmd.SetVersion(version)
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
