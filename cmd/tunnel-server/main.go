package main

import (
	"os"

	"github.com/livecycle/tunnel-server/internal/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
