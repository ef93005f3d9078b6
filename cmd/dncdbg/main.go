package main

import (
	"fmt"
	"os"

	"github.com/logrusorgru/aurora"
	isatty "github.com/mattn/go-isatty"
	"github.com/viewizard/dncdbg-go/cmd/dncdbg/command"
)

func main() {
	err := command.App().Run(os.Args)
	if err != nil {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			fmt.Fprintln(os.Stderr, aurora.Red(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
