package main

import (
	"fmt"
	"os"

	"github.com/damien-schneider/reflect-os/apps/cli/root"
)

func main() {
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
