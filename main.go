// Package main is the entry point for the post-scheduler service.
package main

import (
	"fmt"
	"os"

	"github.com/jonesrussell/north-cloud/post-scheduler/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
