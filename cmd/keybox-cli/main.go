// Package main provides the entry point for keybox-cli.
//
// keybox-cli is a local inspection and maintenance tool for keybox
// namespaces.
package main

import (
	"fmt"
	"os"

	"github.com/yndnr/keybox-go/internal/cli/command"
)

func main() {
	app := command.App()

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
