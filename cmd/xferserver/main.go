package main

import (
	"context"
	"fmt"
	golog "log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/gops/agent"
	"github.com/nicolagi/xfer/server"
	"github.com/nicolagi/xfer/storage"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 10 * time.Second

func main() {
	flags := pflag.NewFlagSet("xferserver", pflag.ExitOnError)
	configFile := flags.String("config", os.ExpandEnv("$HOME/lib/xfer/xferserver.config"), "location of configuration file")
	flags.StringP("hostname", "t", "127.0.0.1", "address to listen on")
	flags.StringP("port", "p", "8080", "port to listen on")
	flags.StringP("web_server_directory", "w", ".", "directory to serve files from")
	flags.Int("capacity", 10, "maximum number of connections served at once")
	flags.Int("chunk-size", 1024, "size of body chunks in bytes")
	flags.Float64("accept-rate", 0, "connections accepted per second, 0 for no limit")
	flags.Int("accept-burst", 1, "connections accepted at once above the accept rate")
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

	readTimeout, writeTimeout, err := opts.timeouts()
	if err != nil {
		log.WithField("err", err).Fatal("Could not parse timeouts")
	}
	root := os.ExpandEnv(opts.Root)
	serverOpts := []server.Option{
		server.WithAddress(net.JoinHostPort(opts.Hostname, opts.Port)),
		server.WithFallbackAddress(net.JoinHostPort(opts.Hostname, opts.FallbackPort)),
		server.WithRoot(root),
		server.WithCapacity(opts.Capacity),
		server.WithChunkSize(opts.ChunkSize),
		server.WithReadTimeout(readTimeout),
		server.WithWriteTimeout(writeTimeout),
	}
	if opts.AcceptRate > 0 {
		serverOpts = append(serverOpts, server.WithAcceptRate(opts.AcceptRate, opts.AcceptBurst))
	}
	if opts.Identity != "" {
		serverOpts = append(serverOpts, server.WithIdentity(opts.Identity))
	}

	if opts.Journal != "" {
		file := os.ExpandEnv(opts.Journal)
		db, err := bolt.Open(file, 0600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			log.Fatalf("Could not open database %q: %v", file, err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Warnf("Could not close boltdb database: %v", err)
			}
		}()
		store, err := storage.NewBoltStore(db)
		if err != nil {
			log.Fatalf("Could not instantiate boltdb store at %q: %v", file, err)
		}
		serverOpts = append(serverOpts, server.WithJournal(storage.NewJournal(store)))
	}

	switch opts.Mirror.Type {
	case "":
	case "s3":
		slow := storage.NewS3(opts.Mirror.Profile, opts.Mirror.Region, opts.Mirror.Bucket, opts.Mirror.Prefix)
		mirror := storage.NewMirror(storage.NewFileStore(root), slow, 5*time.Second)
		defer mirror.Close()
		serverOpts = append(serverOpts, server.WithMirror(mirror))
	default:
		log.WithField("type", opts.Mirror.Type).Fatal("Unknown mirror type")
	}

	srv := server.New(serverOpts...)
	addr, err := srv.Listen()
	if err != nil {
		log.WithField("err", err).Fatal("Could not listen")
	}
	log.WithFields(log.Fields{
		"addr": addr,
		"root": root,
	}).Info("Listening")

	// Before we call srv.Serve(), which never returns unless srv.Shutdown() is
	// called, we need to install a signal handler to call srv.Shutdown().
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sig := <-c
		log.WithField("signal", sig).Info("Shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithField("err", err).Warn("Could not shut down the server cleanly")
		}
	}()

	if err := srv.Serve(); err != nil {
		log.Error(err)
		return
	}
	// Handlers may still be running; the journal and mirror outlive them.
	<-stopped
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
