//go:build linux

package main

import (
	"fmt"
	"os"

	"boxpipe/spawner"
)

/**
 * Application entry point for the spawner helper: invoked by the
 * controller as `spawner <socket-path> <cmd> [args...]`, never
 * directly by an operator.
 */
func main() {
	cfg, err := spawner.ParseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "spawner:", err)
		os.Exit(2)
	}
	os.Exit(spawner.Run(cfg))
}
