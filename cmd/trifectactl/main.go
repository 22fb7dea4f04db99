package main

import "github.com/triage-ai/palisade/services/trifecta_gate/internal/cli"

func main() {
	cli.Execute()
}
