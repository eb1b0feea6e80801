// Command conduit is the entry point for the document ingestion and
// retrieval-augmented query service. It provides a CLI interface (via Cobra)
// with the HTTP API server, standalone stage workers, and a one-shot
// ingestion command.
package main

import (
	"fmt"
	"os"

	"github.com/corvuslabs/conduit-go/cmd/conduit/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
