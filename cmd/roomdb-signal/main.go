package main

import (
	"os"

	"github.com/roach88/roomdb/internal/cli"
)

func main() {
	if err := cli.NewSignalCommand().Execute(); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
