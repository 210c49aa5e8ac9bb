package cmd

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mieweb/indexedcp/buffer"
	"github.com/mieweb/indexedcp/util"
	"github.com/urfave/cli/v2"
)

var cmdList = &cli.Command{
	Name:      "list",
	Aliases:   []string{"l"},
	Usage:     "List buffered files and their upload state",
	UsageText: "icp list [OPTIONS..]",
	Action:    execList,
	Category:  categoryClient,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "load config file from `FILE`"},
		&cli.StringFlag{Name: "buffer-dir", Aliases: []string{"b"}, Usage: "set local buffer directory to `DIR`"},
	},
	Description: `Lists all files in the local upload buffer, including the ones that have already been
uploaded and the ones that failed, together with their state and upload progress.`,
}

func execList(c *cli.Context) error {
	conf, err := loadClientConfig(c)
	if err != nil {
		return err
	}
	store, err := buffer.Open(conf.BufferDir)
	if err != nil {
		return err
	}
	defer store.Close()

	files, err := store.List(c.Context)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Fprintln(c.App.ErrWriter, "Buffer is empty. You can use 'icp add' to buffer files for upload.")
		return nil
	}

	fileHeader := "File"
	fileMaxLen := len(fileHeader)
	stateHeader := "State"
	stateMaxLen := len(stateHeader)
	for _, f := range files {
		shortName := util.CollapseHome(f.Path)
		fileMaxLen = int(math.Max(float64(fileMaxLen), float64(len(shortName))))
		stateMaxLen = int(math.Max(float64(stateMaxLen), float64(len(describeState(f)))))
	}

	lineFmt := fmt.Sprintf("%%-%ds %%-%ds %%9s %%s\n", fileMaxLen, stateMaxLen)
	fmt.Fprintf(c.App.Writer, lineFmt, fileHeader, stateHeader, "Size", "Added")
	fmt.Fprintf(c.App.Writer, lineFmt, strings.Repeat("-", fileMaxLen), strings.Repeat("-", stateMaxLen), "----", "-----")
	for _, f := range files {
		fmt.Fprintf(c.App.Writer, lineFmt, util.CollapseHome(f.Path), describeState(f),
			util.BytesToHuman(f.Size), f.AddedAt.Format(time.RFC822))
	}
	return nil
}

func describeState(f *buffer.File) string {
	switch f.State {
	case buffer.StateUploading:
		if f.Size > 0 {
			return fmt.Sprintf("%s (%.f%%)", f.State, float64(f.BytesSent)/float64(f.Size)*100)
		}
		return string(f.State)
	case buffer.StateCompleted:
		return fmt.Sprintf("%s (as %s)", f.State, f.RemoteName)
	case buffer.StateFailed:
		return fmt.Sprintf("%s (%s)", f.State, f.Error)
	default:
		return string(f.State)
	}
}
