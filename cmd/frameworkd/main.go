// Command frameworkd is a thin wrapper around package framework, grounded
// on the teacher's main.go: it builds the root cobra command and executes
// it, leaving all real work to the framework package.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
