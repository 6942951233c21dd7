package main

import (
	"context"
	"errors"
	"fmt"
	golog "log"
	"net"
	"os"
	"os/signal"
	"strings"

	"github.com/google/gops/agent"
	"github.com/nicolagi/xfer/client"
	"github.com/nicolagi/xfer/wire"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run())
}

// run returns the exit status once deferred clean-up has run.
func run() int {
	flags := pflag.NewFlagSet("xferclient", pflag.ExitOnError)
	configFile := flags.String("config", os.ExpandEnv("$HOME/lib/xfer/xferclient.config"), "location of configuration file")
	flags.StringP("client_ip", "s", "127.0.0.1", "client address, sent as the Host header")
	flags.StringP("server_ip", "t", "127.0.0.1", "server address")
	flags.StringP("server_port", "p", "8080", "server port")
	flags.StringP("method", "m", "GET", "request method, GET or PUT")
	flags.StringP("filename", "f", "index.html", "file to fetch or store")
	flags.StringP("client_directory", "d", "./data/client", "local directory for fetched and stored files")
	flags.String("framing", "sentinel", "body framing, sentinel or length")
	flags.Int("retries", 0, "how many more times to try connecting")
	flags.Bool("debug", false, "log at debug level")
	_ = flags.Parse(os.Args[1:])

	opts, err := loadConfig(os.ExpandEnv(*configFile))
	if err != nil {
		log.WithFields(log.Fields{
			"err":  err,
			"path": *configFile,
		}).Fatal("Could not load configuration")
	}
	opts.applyFlags(flags)
	opts.applyDefaultsForMissingProperties()

	if opts.Debug {
		log.SetLevel(log.DebugLevel)
	}
	cleanup := redirectLogging(opts)
	defer cleanup()

	if err := agent.Listen(agent.Options{}); err != nil {
		log.WithField("err", err).Warn("Could not start gops agent")
	} else {
		defer agent.Close()
	}

	return request(opts)
}

func request(opts *config) int {
	method := wire.Method(strings.ToUpper(opts.Method))
	if !method.Valid() {
		log.WithField("method", opts.Method).Error("Unsupported method")
		return 1
	}
	framing, err := wire.ParseFraming(opts.Framing)
	if err != nil {
		log.WithField("err", err).Error("Could not parse framing")
		return 1
	}
	timeout, err := opts.timeout()
	if err != nil {
		log.WithField("err", err).Error("Could not parse timeout")
		return 1
	}
	dir := os.ExpandEnv(opts.ClientDirectory)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.WithFields(log.Fields{
			"err":  err,
			"path": dir,
		}).Error("Could not ensure client directory exists")
		return 1
	}

	c := client.New(
		client.WithAddress(net.JoinHostPort(opts.ServerIP, opts.ServerPort)),
		client.WithHost(opts.ClientIP),
		client.WithDirectory(dir),
		client.WithFraming(framing),
		client.WithRetries(opts.Retries),
		client.WithTimeout(timeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	out, err := c.Do(ctx, method, opts.Filename)
	var connErr *client.ConnectionError
	switch {
	case errors.As(err, &connErr):
		log.WithField("err", err).Error("Could not connect to server")
		return 1
	case errors.Is(err, client.ErrNoSuchFile):
		log.WithField("err", err).Error("Nothing to store")
		return 1
	case err != nil:
		log.WithField("err", err).Error("Request failed")
		return 1
	}

	fmt.Println(out.Head)
	if out.Head.Status != 200 {
		fmt.Println(string(out.Body))
		return 1
	}
	log.WithFields(log.Fields{
		"bytes":  out.Session.Bytes,
		"chunks": out.Session.Chunks,
		"digest": out.Session.Digest,
	}).Info("Done")
	return 0
}

func redirectLogging(c *config) (cleanup func()) {
	golog.SetOutput(log.StandardLogger().Writer())
	if c.LogPath == "" {
		return func() {}
	}
	pathname := os.ExpandEnv(c.LogPath)
	logger := log.WithField("pathname", pathname)
	f, err := os.OpenFile(pathname, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
	if err != nil {
		logger.WithField("err", err).Fatal("Could not open log file")
	}
	logger.Info("Lines after this one will be logged to a file")
	log.SetOutput(f)
	return func() {
		if err := f.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Could not close log file cleanly %q: %v", pathname, err)
		}
	}
}
