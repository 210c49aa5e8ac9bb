// Package cmd provides the icp CLI application
package cmd

import (
	"os"

	"github.com/urfave/cli/v2"
)

const (
	categoryClient = "Client-side commands"
	categoryServer = "Server-side commands"
)

// New creates a new CLI application
func New() *cli.App {
	return &cli.App{
		Name:                   "icp",
		Usage:                  "buffer files locally and upload them resumably",
		UsageText:              "icp COMMAND [OPTION..] [ARG..]",
		HideHelp:               true,
		HideVersion:            true,
		EnableBashCompletion:   true,
		UseShortOptionHandling: true,
		Reader:                 os.Stdin,
		Writer:                 os.Stdout,
		ErrWriter:              os.Stderr,
		Commands: []*cli.Command{
			// Client commands
			cmdAdd,
			cmdUpload,
			cmdList,

			// Server commands
			cmdServe,
			cmdKeygen,
		},
	}
}
