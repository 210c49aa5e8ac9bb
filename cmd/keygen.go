package cmd

import (
	"fmt"

	"github.com/mieweb/indexedcp/crypto"
	"github.com/urfave/cli/v2"
)

var cmdKeygen = &cli.Command{
	Name:     "keygen",
	Usage:    "Generate a random API key for the server config",
	Action:   execKeygen,
	Category: categoryServer,
	Description: `Generate a random API key. The output of the command can be pasted into the
'server.conf' file to protect a server, or passed via the ICP_API_KEY environment
variable to commands that support it.

Examples:
  icp keygen    # Generates and prints a new API key`,
}

func execKeygen(c *cli.Context) error {
	key, err := crypto.GenerateAPIKey()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "APIKey %s\n", key)
	return nil
}
