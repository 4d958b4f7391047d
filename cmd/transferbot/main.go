// Command transferbot polls transfer feeds and posts new transfers to a
// Telegram chat.
package main

import (
	"fmt"
	"os"

	_ "time/tzdata"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
