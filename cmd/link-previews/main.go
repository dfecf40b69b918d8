package main

import (
	"fmt"
	"os"

	"sitecache/internal/cli"
)

func main() {
	if err := cli.RunLinkPreviews(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
