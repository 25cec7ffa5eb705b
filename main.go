// The main package for the scraperd executable.
package main

import (
	"github.com/JakeFAU/scraper-runtime/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
