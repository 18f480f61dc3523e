package main

import (
	"os"

	"github.com/dhcgn/mbox-mood/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
