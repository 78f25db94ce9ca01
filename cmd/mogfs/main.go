// Command mogfs mounts a MogileFS domain as a local filesystem.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/mogfs/mogfs/internal/config"
	mogfuse "github.com/mogfs/mogfs/internal/fuse"
	"github.com/mogfs/mogfs/internal/metrics"
	"github.com/mogfs/mogfs/internal/storage"
	"github.com/mogfs/mogfs/internal/tracker"
	"github.com/mogfs/mogfs/pkg/logging"
)

type options struct {
	Config     string   `short:"c" long:"config" description:"YAML configuration file"`
	Trackers   []string `short:"t" long:"tracker" description:"Tracker host:port (repeatable)"`
	Domain     string   `short:"d" long:"domain" description:"MogileFS domain"`
	Class      string   `long:"class" description:"Storage class for new objects"`
	MountPoint string   `short:"m" long:"mountpoint" description:"Directory to mount on"`
	MountOpts  []string `short:"o" long:"mountopt" description:"FUSE mount option (repeatable)"`
	ReadOnly   bool     `long:"readonly" description:"Mount read-only"`
	Unbuffered bool     `long:"unbuffered" description:"Disable write coalescing"`
	Checksums  bool     `long:"checksums" description:"Compute streaming checksums on commit"`
	LogLevel   *int     `long:"loglevel" description:"Log level (-1..4)"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	cfg := config.NewDefault()
	if opts.Config != "" {
		if err := cfg.LoadFromFile(opts.Config); err != nil {
			logrus.Fatalf("config: %v", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		logrus.Fatalf("config: %v", err)
	}
	overlay(cfg, &opts)

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("config: %v", err)
	}
	logging.Setup(cfg.LogLevel)

	trk := tracker.New(cfg.Trackers, cfg.Domain, tracker.Options{
		DialTimeout:    cfg.Network.DialTimeout,
		RequestTimeout: cfg.Network.RequestTimeout,
		MaxRetries:     cfg.Network.MaxRetries,
	})
	defer trk.Close()

	sto := storage.New(storage.Options{
		RequestTimeout: cfg.Network.RequestTimeout,
		IdleTimeout:    cfg.Network.IdleTimeout,
	})

	collector := metrics.NewCollector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	collector.Serve(ctx, cfg.MetricsPort)

	mnt, err := mogfuse.New(cfg, trk, sto, collector)
	if err != nil {
		logrus.Fatalf("mount: %v", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logrus.Infof("received %v, unmounting", sig)
		mnt.Unmount()
	}()

	if err := mnt.MountAndServe(); err != nil {
		logrus.Errorf("%v", err)
		os.Exit(1)
	}
}

// overlay applies CLI flags over the loaded configuration.
func overlay(cfg *config.Config, opts *options) {
	if len(opts.Trackers) > 0 {
		cfg.Trackers = opts.Trackers
	}
	if opts.Domain != "" {
		cfg.Domain = opts.Domain
	}
	if opts.Class != "" {
		cfg.Class = opts.Class
	}
	if opts.MountPoint != "" {
		cfg.MountPoint = opts.MountPoint
	}
	if len(opts.MountOpts) > 0 {
		cfg.MountOpts = opts.MountOpts
	}
	if opts.ReadOnly {
		cfg.ReadOnly = true
	}
	if opts.Unbuffered {
		cfg.Buffered = false
	}
	if opts.Checksums {
		cfg.Checksums = true
	}
	if opts.LogLevel != nil {
		cfg.LogLevel = *opts.LogLevel
	}
}
