package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/ppiankov/pepref/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("Error:"), err)
		os.Exit(cli.ExitCode(err))
	}
}
