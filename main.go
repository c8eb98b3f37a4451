package main

import (
	"os"

	"trustcase-svc/internal/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	if err := cli.Execute(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		return 1
	}
	return 0
}
