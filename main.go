// The main package for the sourcecrawler executable.
package main

import (
	"github.com/JakeFAU/source-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
