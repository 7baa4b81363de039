// simlog-collect exports finished simulation run directories to Parquet.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/xtxerr/simlog/collector"
	"github.com/xtxerr/simlog/config"
	"github.com/xtxerr/simlog/internal/logging"
	"github.com/xtxerr/simlog/segment"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "", "config file path")
	outDir := flag.String("out", "exports", "output directory for Parquet files")
	wait := flag.Bool("wait", false, "wait for completion markers before collecting")
	waitTimeout := flag.Duration("wait-timeout", 10*time.Minute, "how long to wait for completion markers")
	cleanup := flag.Bool("cleanup", false, "delete segment files after successful export")
	keepMeta := flag.Bool("keep-meta", false, "keep stream metadata when cleaning up")
	compression := flag.String("compression", "zstd", "parquet compression: zstd, snappy, lz4, gzip, none")
	batch := flag.Int("batch", 0, "rows per write batch (0 = default)")
	label := flag.String("label", "", "only export streams whose labels contain key=value")
	logLevel := flag.String("log-level", "", "log level (overrides config)")
	logFormat := flag.String("log-format", "", "log format: text or json (overrides config)")
	flag.Parse()

	dirs := flag.Args()
	if len(dirs) == 0 {
		fmt.Fprintln(os.Stderr, "usage: simlog-collect [flags] RUN_DIR...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("simlog-collect %s starting...", Version)

	// Load config
	cfg := config.DefaultConfig()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("Load config: %v", err)
		}
		cfg = loaded
	}

	// CLI overrides
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	logging.Init(cfg.LogLevel(), cfg.LogJSON())

	opts := collector.DefaultOptions()
	opts.Parquet.Compression = collector.ParseCompressionType(*compression)
	if *batch > 0 {
		opts.BatchSize = *batch
	}
	if *label != "" {
		key, val, ok := strings.Cut(*label, "=")
		if !ok {
			log.Fatalf("Bad -label %q: want key=value", *label)
		}
		opts.Filter = func(m segment.StreamMeta) bool {
			v, ok := m.Labels[key]
			return ok && fmt.Sprint(v) == val
		}
	}
	c := collector.New(opts)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *wait {
		wctx, cancel := context.WithTimeout(ctx, *waitTimeout)
		for _, dir := range dirs {
			log.Printf("Waiting for %s...", dir)
			if err := c.WaitDone(wctx, dir); err != nil {
				log.Fatalf("Wait for %s: %v", dir, err)
			}
		}
		cancel()
	}

	reports, err := c.CollectMany(ctx, dirs, *outDir)
	if err != nil {
		log.Fatalf("Collect: %v", err)
	}
	for _, rep := range reports {
		log.Printf("Collected %s: %d streams, %d frames -> %s",
			rep.Dir, rep.Streams, rep.Frames, rep.Path)
	}

	if *cleanup {
		for _, dir := range dirs {
			if err := c.Cleanup(dir, *keepMeta); err != nil {
				log.Printf("Warning: cleanup %s: %v", dir, err)
			}
		}
	}
}
