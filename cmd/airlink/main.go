package main

import (
	"os"

	"github.com/airlink-dev/airlink/cmd/airlink/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
