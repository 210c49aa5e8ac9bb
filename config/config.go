// Package config provides an interface to configure the icp server and client
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mieweb/indexedcp/util"
	"golang.org/x/time/rate"
)

const (
	// DefaultPort defines the default port. Server addresses without port will be expanded to include it.
	DefaultPort = 3000

	// DefaultOutputDir is the directory the server finalizes uploaded files into. This setting is
	// only relevant for the server.
	DefaultOutputDir = "uploads"

	// DefaultBufferDir is the directory the client keeps its upload buffer in: the buffer database
	// and the staged copies of added files. This setting is only relevant for the client.
	DefaultBufferDir = "~/.cache/icp"

	// DefaultChunkSize is the number of bytes the client sends per chunk request
	DefaultChunkSize = 1024 * 1024

	// DefaultChunkRetries is the number of times a single chunk request is retried after a
	// transient failure before the file is marked failed
	DefaultChunkRetries = 5

	// DefaultRetryBackoff is the initial backoff between chunk retries; it doubles on every attempt
	DefaultRetryBackoff = 500 * time.Millisecond

	// DefaultUploadConcurrency is the number of files uploaded in parallel; within a single file,
	// chunks are always sent strictly in order
	DefaultUploadConcurrency = 1

	// DefaultFileSizeLimit is the size in bytes that each individual uploaded file is allowed to
	// have. Zero means no limit. This setting is only relevant for the server.
	DefaultFileSizeLimit = 0

	// DefaultSessionExpireAfter is the duration after which the server discards an idle upload
	// session and its partial data, forcing the client to restart that file from offset zero.
	DefaultSessionExpireAfter = 24 * time.Hour

	// DefaultCompletedRetain is how long the server keeps a completed session around, so a client
	// that crashed between the last chunk and its bookkeeping can re-acknowledge the result.
	DefaultCompletedRetain = 15 * time.Minute

	// EnvAPIKey provides the ability to pass the API key for certain CLI commands
	EnvAPIKey = "ICP_API_KEY"

	// EnvConfigDir allows overriding the user-specific config dir
	EnvConfigDir = "ICP_CONFIG_DIR"

	systemConfigDir        = "/etc/icp"
	userConfigDir          = "~/.config/icp"
	defaultManagerInterval = 30 * time.Second
)

var (
	defaultLimitGET      = rate.Every(time.Second)
	defaultLimitGETBurst = 200
	defaultLimitPUT      = rate.Every(10 * time.Millisecond)
	defaultLimitPUTBurst = 500
)

// Config is the configuration struct used to configure the client and the server. Some settings
// only apply to the client, others only to the server. Many (but not all) of these settings can be
// set either via the config file, or via command line parameters.
type Config struct {
	ListenHTTP         string
	ServerAddr         string
	APIKey             string
	OutputDir          string
	BufferDir          string
	ChunkSize          int64
	ChunkRetries       int
	RetryBackoff       time.Duration
	UploadConcurrency  int
	FileSizeLimit      int64
	SessionExpireAfter time.Duration
	CompletedRetain    time.Duration
	ManagerInterval    time.Duration
	ProgressFunc       util.ProgressFunc
	LimitGET           rate.Limit
	LimitGETBurst      int
	LimitPUT           rate.Limit
	LimitPUTBurst      int
}

// New returns the default config
func New() *Config {
	return &Config{
		ListenHTTP:         fmt.Sprintf(":%d", DefaultPort),
		ServerAddr:         "",
		APIKey:             "",
		OutputDir:          DefaultOutputDir,
		BufferDir:          util.ExpandHome(DefaultBufferDir),
		ChunkSize:          DefaultChunkSize,
		ChunkRetries:       DefaultChunkRetries,
		RetryBackoff:       DefaultRetryBackoff,
		UploadConcurrency:  DefaultUploadConcurrency,
		FileSizeLimit:      DefaultFileSizeLimit,
		SessionExpireAfter: DefaultSessionExpireAfter,
		CompletedRetain:    DefaultCompletedRetain,
		ManagerInterval:    defaultManagerInterval,
		ProgressFunc:       nil,
		LimitGET:           defaultLimitGET,
		LimitGETBurst:      defaultLimitGETBurst,
		LimitPUT:           defaultLimitPUT,
		LimitPUTBurst:      defaultLimitPUTBurst,
	}
}

// FileFromName returns the path to the config file with the given name, e.g. "server"
// becomes ~/.config/icp/server.conf (or /etc/icp/server.conf for root).
func FileFromName(name string) string {
	return fmt.Sprintf("%s/%s.conf", getConfigDir(), name)
}

// LoadFromFile loads the configuration from a file
func LoadFromFile(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return loadConfig(file)
}

// ExpandServerAddr expands a server address to a full URL, e.g. "myhost" becomes
// "http://myhost:3000". Addresses that already carry a scheme are left alone.
func ExpandServerAddr(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, DefaultPort)
	}
	return fmt.Sprintf("http://%s", addr)
}

// CollapseServerAddr removes the scheme and default port from an address, for display purposes
func CollapseServerAddr(addr string) string {
	addr = strings.TrimPrefix(strings.TrimPrefix(addr, "http://"), "https://")
	return strings.TrimSuffix(strings.TrimSuffix(addr, "/"), fmt.Sprintf(":%d", DefaultPort))
}

func getConfigDir() string {
	overrideConfigDir := os.Getenv(EnvConfigDir)
	if overrideConfigDir != "" {
		return overrideConfigDir
	}
	if os.Getuid() == 0 {
		return systemConfigDir
	}
	return util.ExpandHome(userConfigDir)
}

func loadConfig(reader io.Reader) (*Config, error) {
	config := New()
	raw, err := loadRawConfig(reader)
	if err != nil {
		return nil, err
	}

	listenHTTP, ok := raw["ListenHTTP"]
	if ok {
		re := regexp.MustCompile(`^[^:]*:\d+$`)
		if !re.MatchString(listenHTTP) {
			return nil, fmt.Errorf("invalid config value for 'ListenHTTP': %s", listenHTTP)
		}
		config.ListenHTTP = listenHTTP
	}

	serverAddr, ok := raw["ServerAddr"]
	if ok {
		config.ServerAddr = ExpandServerAddr(serverAddr)
	}

	apiKey, ok := raw["APIKey"]
	if ok {
		config.APIKey = apiKey
	}

	outputDir, ok := raw["OutputDir"]
	if ok {
		config.OutputDir = util.ExpandHome(outputDir)
	}

	bufferDir, ok := raw["BufferDir"]
	if ok {
		config.BufferDir = util.ExpandHome(bufferDir)
	}

	chunkSize, ok := raw["ChunkSize"]
	if ok {
		config.ChunkSize, err = util.ParseSize(chunkSize)
		if err != nil {
			return nil, fmt.Errorf("invalid config value for 'ChunkSize': %w", err)
		}
	}

	chunkRetries, ok := raw["ChunkRetries"]
	if ok {
		config.ChunkRetries, err = strconv.Atoi(chunkRetries)
		if err != nil {
			return nil, fmt.Errorf("invalid config value for 'ChunkRetries': %w", err)
		}
	}

	retryBackoff, ok := raw["RetryBackoff"]
	if ok {
		config.RetryBackoff, err = util.ParseDuration(retryBackoff)
		if err != nil {
			return nil, fmt.Errorf("invalid config value for 'RetryBackoff': %w", err)
		}
	}

	uploadConcurrency, ok := raw["UploadConcurrency"]
	if ok {
		config.UploadConcurrency, err = strconv.Atoi(uploadConcurrency)
		if err != nil {
			return nil, fmt.Errorf("invalid config value for 'UploadConcurrency': %w", err)
		}
		if config.UploadConcurrency < 1 {
			return nil, fmt.Errorf("invalid config value for 'UploadConcurrency': must be at least 1")
		}
	}

	fileSizeLimit, ok := raw["FileSizeLimit"]
	if ok {
		config.FileSizeLimit, err = util.ParseSize(fileSizeLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid config value for 'FileSizeLimit': %w", err)
		}
	}

	sessionExpireAfter, ok := raw["SessionExpireAfter"]
	if ok {
		config.SessionExpireAfter, err = util.ParseDuration(sessionExpireAfter)
		if err != nil {
			return nil, fmt.Errorf("invalid config value for 'SessionExpireAfter': %w", err)
		}
	}

	completedRetain, ok := raw["CompletedRetain"]
	if ok {
		config.CompletedRetain, err = util.ParseDuration(completedRetain)
		if err != nil {
			return nil, fmt.Errorf("invalid config value for 'CompletedRetain': %w", err)
		}
	}

	return config, nil
}

func loadRawConfig(reader io.Reader) (map[string]string, error) {
	config := make(map[string]string)
	scanner := bufio.NewScanner(reader)

	comment := regexp.MustCompile(`^\s*#`)
	value := regexp.MustCompile(`^\s*(\S+)(?:\s+(.*)|\s*)$`)

	for scanner.Scan() {
		line := scanner.Text()

		if !comment.MatchString(line) {
			parts := value.FindStringSubmatch(line)

			if len(parts) == 3 {
				config[parts[1]] = strings.TrimSpace(parts[2])
			} else if len(parts) == 2 {
				config[parts[1]] = ""
			}
		}
	}

	return config, nil
}
