// Command peinspect opens managed PE images through the assembly loader and
// reports what it finds.
//
// Usage:
//
//	peinspect info App.dll
//	peinspect hash --alg sha256 App.dll
//	peinspect verify App.dll
//	peinspect refs --resolve App.dll
//	peinspect resources App.dll
//	peinspect interactive App.dll
//
// Dependencies resolve through the directory of the inspected file first,
// then through the trusted platform assemblies and app paths of the config
// file given with --config.
package main

import (
	"fmt"
	"os"
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}
