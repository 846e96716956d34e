package main

import (
	"fmt"
	"os"

	dvsetup "github.com/dvsetup/dvsetup/cmd/dvsetup-cli"
)

func main() {
	app := dvsetup.CLI()
	if err := app.Run(os.Args); err != nil {
		fmt.Printf("%+v\n", err)
		os.Exit(1)
	}
}
