package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/mieweb/indexedcp/cmd"
	"github.com/urfave/cli/v2"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cli.AppHelpTemplate += fmt.Sprintf(`
Try 'icp COMMAND --help' for more information.

icp %s (%s), runtime %s, built at %s
`, version, commit, runtime.Version(), date)

	app := cmd.New()
	app.Version = version

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
