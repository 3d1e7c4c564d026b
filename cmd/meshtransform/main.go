// Command meshtransform reads a mesh, distributes it over in-process ranks,
// runs a chain of transformations and writes one file per rank.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
