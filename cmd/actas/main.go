package main

import (
	"github.com/awnumar/memguard"

	"github.com/jmcleod/actas/cmd/actas/cmd"
)

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()
	cmd.Execute()
}
