package main

import (
	"errors"
	"os"
	"time"

	"github.com/rogpeppe/rjson"
	"github.com/spf13/pflag"
)

type config struct {
	Hostname     string `json:"hostname"`
	Port         string `json:"port"`
	FallbackPort string `json:"fallback_port"`
	Root         string `json:"root"`
	Capacity     int    `json:"capacity"`
	ChunkSize    int    `json:"chunk_size"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`

	// Connections accepted per second, and how many may be accepted at once
	// above that rate. Zero means no limit.
	AcceptRate  float64 `json:"accept_rate"`
	AcceptBurst int     `json:"accept_burst"`

	// Value of the Server response header. Empty means "xfer [host:port]".
	Identity string `json:"identity"`

	Debug        bool   `json:"debug"`
	LogPath      string `json:"log_path"`

	// Location of the bolt database recording transfers. Empty disables it.
	Journal string `json:"journal"`

	Mirror struct {
		Type string `json:"type"`

		// Properties for "s3" type.
		Profile string `json:"profile"`
		Region  string `json:"region"`
		Bucket  string `json:"bucket"`
		Prefix  string `json:"prefix"`
	} `json:"mirror"`
}

// loadConfig reads the configuration file at pathname. A missing file yields
// an empty configuration.
func loadConfig(pathname string) (*config, error) {
	f, err := os.Open(pathname)
	if errors.Is(err, os.ErrNotExist) {
		return new(config), nil
	}
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	var c *config
	if err := rjson.NewDecoder(f).Decode(&c); err != nil {
		return nil, err
	}
	if c == nil {
		c = new(config)
	}
	return c, nil
}

// applyFlags overrides the file values with the flags set on the command line.
func (c *config) applyFlags(flags *pflag.FlagSet) {
	if flags.Changed("hostname") {
		c.Hostname, _ = flags.GetString("hostname")
	}
	if flags.Changed("port") {
		c.Port, _ = flags.GetString("port")
	}
	if flags.Changed("web_server_directory") {
		c.Root, _ = flags.GetString("web_server_directory")
	}
	if flags.Changed("capacity") {
		c.Capacity, _ = flags.GetInt("capacity")
	}
	if flags.Changed("chunk-size") {
		c.ChunkSize, _ = flags.GetInt("chunk-size")
	}
	if flags.Changed("accept-rate") {
		c.AcceptRate, _ = flags.GetFloat64("accept-rate")
	}
	if flags.Changed("accept-burst") {
		c.AcceptBurst, _ = flags.GetInt("accept-burst")
	}
	if flags.Changed("debug") {
		c.Debug, _ = flags.GetBool("debug")
	}
}

func (c *config) applyDefaultsForMissingProperties() {
	if c.Hostname == "" {
		c.Hostname = "127.0.0.1"
	}
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.FallbackPort == "" {
		c.FallbackPort = "8080"
	}
	if c.Root == "" {
		c.Root = "."
	}
	if c.Capacity == 0 {
		c.Capacity = 10
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 1024
	}
	if c.ReadTimeout == "" {
		c.ReadTimeout = "30s"
	}
	if c.WriteTimeout == "" {
		c.WriteTimeout = "30s"
	}
	if c.AcceptBurst == 0 {
		c.AcceptBurst = 1
	}
}

func (c *config) timeouts() (read, write time.Duration, err error) {
	if read, err = time.ParseDuration(c.ReadTimeout); err != nil {
		return 0, 0, err
	}
	if write, err = time.ParseDuration(c.WriteTimeout); err != nil {
		return 0, 0, err
	}
	return read, write, nil
}
