package main

import (
	"os"

	"ObitPipeline/cmd/obitpipeline/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
