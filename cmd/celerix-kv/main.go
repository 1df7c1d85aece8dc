package main

import (
	"os"

	"github.com/celerix-dev/celerix-kv/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	os.Exit(cli.GetExitCode(err))
}
