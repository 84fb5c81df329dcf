package main

import (
	"os"

	"github.com/re-cinq/little-loops/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
