package main

import (
	"os"

	"github.com/dmm-sh/dmm/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
