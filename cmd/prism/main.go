// Prism is a local HTTP reverse proxy that accepts AI chat-completion
// requests in OpenAI, Anthropic, and Gemini wire formats and dispatches
// them to configured upstream providers, translating between formats as
// needed.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "prism.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("prism", version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
