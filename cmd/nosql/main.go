package main

import (
	"os"

	"github.com/moolen/nosql/cmd/nosql/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
