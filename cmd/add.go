package cmd

import (
	"fmt"

	"github.com/mieweb/indexedcp/buffer"
	"github.com/mieweb/indexedcp/util"
	"github.com/urfave/cli/v2"
)

var cmdAdd = &cli.Command{
	Name:      "add",
	Aliases:   []string{"a"},
	Usage:     "Add file(s) to the local upload buffer",
	UsageText: "icp add [OPTIONS..] FILE..",
	Action:    execAdd,
	Category:  categoryClient,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "load config file from `FILE`"},
		&cli.StringFlag{Name: "buffer-dir", Aliases: []string{"b"}, Usage: "set local buffer directory to `DIR`"},
	},
	Description: `Copies the given files into the local upload buffer, so they can later be sent to the
server with 'icp upload'. Each file is fingerprinted when it is added; a file that is
already buffered with the same content is not added twice.

Files are staged, meaning the buffered copy is what will be uploaded. The original can
be changed or deleted after adding without affecting the upload.

Examples:
  icp add foo.txt            # Buffers foo.txt for later upload
  icp add *.log              # Buffers all log files in the current directory`,
}

func execAdd(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("Missing FILE argument, see --help for usage details", 1)
	}
	conf, err := loadClientConfig(c)
	if err != nil {
		return err
	}
	store, err := buffer.Open(conf.BufferDir)
	if err != nil {
		return err
	}
	defer store.Close()

	for _, path := range c.Args().Slice() {
		entry, err := store.AddFile(c.Context, path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Fprintf(c.App.Writer, "%s (%s, %s)\n", entry.Path, util.BytesToHuman(entry.Size), entry.State)
	}
	return nil
}
