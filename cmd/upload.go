package cmd

import (
	"errors"
	"fmt"

	"github.com/mieweb/indexedcp/buffer"
	"github.com/mieweb/indexedcp/client"
	"github.com/mieweb/indexedcp/server"
	"github.com/urfave/cli/v2"
)

var cmdUpload = &cli.Command{
	Name:      "upload",
	Aliases:   []string{"u"},
	Usage:     "Upload buffered files to the server",
	UsageText: "icp upload [OPTIONS..]",
	Action:    execUpload,
	Category:  categoryClient,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "load config file from `FILE`"},
		&cli.StringFlag{Name: "server", Aliases: []string{"S"}, Usage: "connect to server `ADDR[:PORT]` (default port: 3000)"},
		&cli.StringFlag{Name: "key", Aliases: []string{"K"}, Usage: "use API key `KEY` (overrides config and ICP_API_KEY)"},
		&cli.StringFlag{Name: "buffer-dir", Aliases: []string{"b"}, Usage: "set local buffer directory to `DIR`"},
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "do not output progress"},
	},
	Description: `Uploads all buffered files that have not been uploaded yet. Interrupted uploads are
resumed from where the server left off, so it is safe to re-run this command after a
network failure or a killed process.

The API key is taken from the --key flag, the ICP_API_KEY environment variable or the
config file, in that order. If the server is protected and no key is available, the
command asks for one.

Examples:
  icp upload                    # Uploads everything in the buffer
  icp upload -S upload.work.com # Uploads to a specific server
  ICP_API_KEY=.. icp upload     # Passes the API key via the environment`,
}

func execUpload(c *cli.Context) error {
	conf, err := loadClientConfig(c)
	if err != nil {
		return err
	}
	if conf.ServerAddr == "" {
		return cli.Exit("Missing server address, pass --server or set 'ServerAddr' in the config", 1)
	}
	if !c.Bool("quiet") {
		conf.ProgressFunc = func(processed int64, total int64, done bool) {
			progressOutput(c.App.ErrWriter, processed, total, done)
		}
	}

	cl, err := client.NewClient(conf)
	if err != nil {
		return err
	}
	if conf.APIKey == "" {
		info, err := cl.ServerInfo()
		if err != nil {
			return err
		}
		if info.ProtectedWithKey {
			if conf.APIKey, err = promptAPIKey(c); err != nil {
				return err
			}
		}
	}
	if err := cl.Verify(); errors.Is(err, server.ErrHTTPUnauthorized) {
		return cli.Exit("Invalid API key, server rejected it", 1)
	} else if err != nil {
		return err
	}

	store, err := buffer.Open(conf.BufferDir)
	if err != nil {
		return err
	}
	defer store.Close()

	results, err := cl.UploadBufferedFiles(c.Context, store)
	for path, destName := range results {
		fmt.Fprintf(c.App.Writer, "%s -> %s\n", path, destName)
	}
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(c.App.ErrWriter, "Nothing to upload. Use 'icp add' to buffer files first.")
	}
	return nil
}
