package cmd

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/mieweb/indexedcp/config"
	"github.com/mieweb/indexedcp/util"
	"github.com/urfave/cli/v2"
)

const defaultClientConfigName = "client"
const defaultServerConfigName = "server"

// loadConfig loads the named config file if it exists, or the file passed via --config,
// and falls back to the defaults if neither is there.
func loadConfig(c *cli.Context, name string) (*config.Config, error) {
	filename := c.String("config")
	if filename == "" {
		filename = config.FileFromName(name)
	}
	if stat, _ := os.Stat(filename); stat != nil {
		log.Printf("Loading config from %s", filename)
		return config.LoadFromFile(filename)
	}
	return config.New(), nil
}

// loadClientConfig loads the client config and applies the common client-side command
// line overrides. The API key is resolved from the --key flag, then the ICP_API_KEY
// environment variable, then the config file.
func loadClientConfig(c *cli.Context) (*config.Config, error) {
	conf, err := loadConfig(c, defaultClientConfigName)
	if err != nil {
		return nil, err
	}
	if serverAddr := c.String("server"); serverAddr != "" {
		conf.ServerAddr = config.ExpandServerAddr(serverAddr)
	}
	if bufferDir := c.String("buffer-dir"); bufferDir != "" {
		conf.BufferDir = bufferDir
	}
	if key := c.String("key"); key != "" {
		conf.APIKey = key
	} else if key := os.Getenv(config.EnvAPIKey); key != "" {
		conf.APIKey = key
	}
	return conf, nil
}

// promptAPIKey asks for the API key on the terminal. Used when the server is protected
// but no key was given via flag, environment or config file.
func promptAPIKey(c *cli.Context) (string, error) {
	fmt.Fprint(c.App.ErrWriter, "Enter API key: ")
	key, err := util.ReadAPIKey(c.App.Reader)
	if err != nil {
		return "", err
	}
	fmt.Fprintln(c.App.ErrWriter)
	return key, nil
}

var previousProgressLen uint32

// progressOutput renders in-place progress on the terminal. It is passed to the client
// via config.ProgressFunc unless --quiet is given.
func progressOutput(errWriter io.Writer, processed int64, total int64, done bool) {
	prevLen := int(atomic.LoadUint32(&previousProgressLen))
	if done {
		if prevLen > 0 {
			progress := fmt.Sprintf("%s (100%%)", util.BytesToHuman(processed))
			progressWithSpaces := progress
			if len(progress) < prevLen {
				progressWithSpaces += strings.Repeat(" ", prevLen-len(progress))
			}
			fmt.Fprintf(errWriter, "\r%s\r\n", progressWithSpaces)
		}
	} else {
		var progress string
		if total > 0 {
			progress = fmt.Sprintf("%s / %s (%.f%%)", util.BytesToHuman(processed),
				util.BytesToHuman(total), float64(processed)/float64(total)*100)
		} else {
			progress = util.BytesToHuman(processed)
		}
		progressWithSpaces := progress
		if len(progress) < prevLen {
			progressWithSpaces += strings.Repeat(" ", prevLen-len(progress))
		}
		fmt.Fprintf(errWriter, "\r%s", progressWithSpaces)
		atomic.StoreUint32(&previousProgressLen, uint32(len(progress)))
	}
}
