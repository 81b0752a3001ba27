package main

import (
	"os"

	"github.com/Hara602/usbWarden/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
