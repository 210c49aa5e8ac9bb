package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mieweb/indexedcp/config"
	"github.com/mieweb/indexedcp/server"
	"github.com/urfave/cli/v2"
)

var cmdServe = &cli.Command{
	Name:     "serve",
	Usage:    "Start icp server",
	Action:   execServe,
	Category: categoryServer,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "load config file from `FILE`"},
		&cli.StringFlag{Name: "listen-http", Aliases: []string{"l"}, Usage: "set bind address for HTTP connections to `[ADDR]:PORT`"},
		&cli.StringFlag{Name: "server", Aliases: []string{"S"}, Usage: "set server address to be advertised to clients to `ADDR[:PORT]` (default port: 3000)"},
		&cli.StringFlag{Name: "key", Aliases: []string{"K"}, Usage: "require API key `KEY` for uploads"},
		&cli.StringFlag{Name: "dir", Aliases: []string{"d"}, Usage: "set output directory for received files to `DIR`"},
	},
	Description: `Start icp server and listen for incoming upload requests. Received files are written
to the output directory; partially received files are kept and resumed when the client
reconnects, including across server restarts.

The command will load the config from ~/.config/icp/server.conf or /etc/icp/server.conf
(if root). Config options can be overridden using the command line options.

Examples:
  icp serve                      # Starts server in the foreground
  icp serve --listen-http :9999  # Starts server with alternate port
  ICP_API_KEY=.. icp serve       # Starts server with an API key (see 'icp keygen')

If no API key is configured, the server accepts uploads from anyone and says so loudly
at startup.`,
}

func execServe(c *cli.Context) error {
	conf, err := loadConfig(c, defaultServerConfigName)
	if err != nil {
		return err
	}
	if listenHTTP := c.String("listen-http"); listenHTTP != "" {
		conf.ListenHTTP = listenHTTP
	}
	if serverAddr := c.String("server"); serverAddr != "" {
		conf.ServerAddr = config.ExpandServerAddr(serverAddr)
	}
	if outputDir := c.String("dir"); outputDir != "" {
		conf.OutputDir = outputDir
	}
	if key := c.String("key"); key != "" {
		conf.APIKey = key
	} else if key := os.Getenv(config.EnvAPIKey); key != "" {
		conf.APIKey = key
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Serve(ctx, conf)
}
