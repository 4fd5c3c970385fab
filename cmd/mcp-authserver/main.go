// Command mcp-authserver runs the OAuth 2.0 authorization server and manages
// its static client registry and signing key.
package main

import (
	"fmt"
	"os"
)

// version can be set during build with -ldflags
var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
