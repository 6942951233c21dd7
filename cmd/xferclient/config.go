package main

import (
	"errors"
	"os"
	"time"

	"github.com/rogpeppe/rjson"
	"github.com/spf13/pflag"
)

type config struct {
	ClientIP        string `json:"client_ip"`
	ServerIP        string `json:"server_ip"`
	ServerPort      string `json:"server_port"`
	ClientDirectory string `json:"client_directory"`
	Framing         string `json:"framing"`
	Retries         int    `json:"retries"`
	Timeout         string `json:"timeout"`
	Debug           bool   `json:"debug"`
	LogPath         string `json:"log_path"`

	// Not read from file.
	Method   string `json:"-"`
	Filename string `json:"-"`
}

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

func (c *config) applyFlags(flags *pflag.FlagSet) {
	c.Method, _ = flags.GetString("method")
	c.Filename, _ = flags.GetString("filename")
	if flags.Changed("client_ip") {
		c.ClientIP, _ = flags.GetString("client_ip")
	}
	if flags.Changed("server_ip") {
		c.ServerIP, _ = flags.GetString("server_ip")
	}
	if flags.Changed("server_port") {
		c.ServerPort, _ = flags.GetString("server_port")
	}
	if flags.Changed("client_directory") {
		c.ClientDirectory, _ = flags.GetString("client_directory")
	}
	if flags.Changed("framing") {
		c.Framing, _ = flags.GetString("framing")
	}
	if flags.Changed("retries") {
		c.Retries, _ = flags.GetInt("retries")
	}
	if flags.Changed("debug") {
		c.Debug, _ = flags.GetBool("debug")
	}
}

func (c *config) applyDefaultsForMissingProperties() {
	if c.ClientIP == "" {
		c.ClientIP = "127.0.0.1"
	}
	if c.ServerIP == "" {
		c.ServerIP = "127.0.0.1"
	}
	if c.ServerPort == "" {
		c.ServerPort = "8080"
	}
	if c.ClientDirectory == "" {
		c.ClientDirectory = "./data/client"
	}
	if c.Method == "" {
		c.Method = "GET"
	}
	if c.Filename == "" {
		c.Filename = "index.html"
	}
	if c.Timeout == "" {
		c.Timeout = "1m"
	}
}

func (c *config) timeout() (time.Duration, error) {
	return time.ParseDuration(c.Timeout)
}
