package main

import (
	"os"

	"notion-bank-sync/cmd/banksync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
