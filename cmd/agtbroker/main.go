package main

import (
	"os"

	"github.com/g960059/agtbroker/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
