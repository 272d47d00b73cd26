package main

import (
	"fmt"
	"os"

	"github.com/c0deZ3R0/go-consistency-kit/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
