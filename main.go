package main

import (
	"os"

	"github.com/establishment/storesync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
