// main.go is the entry point for the dyad server: a TCP service exposing
// dyadic Count-Min sketches over RESP. It wires together the sharded
// store, the hybrid journal, the metrics listener, and the network
// server, and owns the operational lifecycle.
//
// Startup Sequence
// ================
//
// The empty store is created first, then loadAOF() replays the journal
// into it. No listener is active during the load, so the replay needs no
// locking. Only after the state is fully restored does the server open
// the journal for writing and start accepting connections.
//
// Durability Policy
// =================
//
// Writes are not fsynced individually; they buffer in memory and a
// background goroutine calls Fsync() every second. Committed data
// reaches the disk within a second of the write, and a power failure
// costs at most that second. Throughput over per-write durability.
//
// Background Maintenance
// ======================
//
// One goroutine flushes the journal each second and watches its size.
// When the file exceeds both -aof-min-size and the configured growth
// percentage over the post-compaction base size, a compaction runs in
// its own goroutine (the isRewriting flag keeps it exclusive with the
// COMPACT command). After each compaction the new size becomes the base.
//
// Graceful Shutdown
// =================
//
// On exit the server runs a final compaction so the next startup replays
// the smallest possible journal. Best-effort: a failure leaves a valid,
// merely larger, journal.

package main

import (
	"flag"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"dyad.lopezb.com/internal/dyad/countmin"
)

type config struct {
	port              int
	maxConnections    int
	shutdownTimeout   time.Duration
	idleTimeout       time.Duration
	sketchWidth       uint32
	sketchDepth       uint32
	metricsAddr       string
	persistence       bool
	aofFilename       string
	aofMinSize        int64
	aofRewritePercent int
	aofLoadTruncated  bool
}

type application struct {
	config          config
	logger          *slog.Logger
	listener        net.Listener
	store           *Store
	router          *Router
	metrics         *Metrics
	readyCh         chan struct{}
	wg              sync.WaitGroup
	connLimiter     chan struct{}
	aof             *AOF
	aofBaseSize     atomic.Int64
	isRewriting     atomic.Bool
	needsCompaction bool
}

func main() {
	var cfg config
	var width, depth uint

	flag.IntVar(&cfg.port, "port", 6479, "TCP server port")
	flag.IntVar(&cfg.maxConnections, "max-conn", 100, "Maximum concurrent connections")
	flag.DurationVar(&cfg.shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful shutdown timeout")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", 0, "Idle client connection timeout (0 for no timeout)")
	flag.UintVar(&width, "width", countmin.DefaultWidth, "Counter columns per row for sketches created by SK.ADD")
	flag.UintVar(&depth, "depth", countmin.DefaultDepth, "Hash rows per level for sketches created by SK.ADD")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Prometheus /metrics listen address (empty to disable)")
	flag.BoolVar(&cfg.persistence, "persistence", true, "Enable AOF persistence (set false for in-memory only mode)")
	flag.StringVar(&cfg.aofFilename, "aof", "journal.aof", "Append Only File path")
	flag.Int64Var(&cfg.aofMinSize, "aof-min-size", 64*1024*1024, "Min size (bytes) to trigger AOF rewrite")
	flag.IntVar(&cfg.aofRewritePercent, "aof-rewrite-percent", 100, "Percentage growth to trigger AOF rewrite")
	flag.BoolVar(&cfg.aofLoadTruncated, "aof-load-truncated", true, "Auto-recover from truncated AOF (set false for strict mode)")
	flag.Parse()

	cfg.sketchWidth = uint32(width)
	cfg.sketchDepth = uint32(depth)

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if cfg.sketchWidth == 0 || cfg.sketchDepth == 0 {
		logger.Error("invalid sketch dimensions", "width", cfg.sketchWidth, "depth", cfg.sketchDepth)
		os.Exit(1)
	}

	app := &application{
		config:      cfg,
		logger:      logger,
		store:       NewStore(),
		metrics:     NewMetrics(),
		connLimiter: make(chan struct{}, cfg.maxConnections),
	}

	app.router = app.commands()

	if cfg.persistence {
		// Replay the journal before any listener is up.
		if err := app.loadAOF(); err != nil {
			logger.Error("failed to load AOF", "error", err)
			os.Exit(1) // Fatal: AOF corruption implies data loss risk
		}

		aof, err := NewAOF(cfg.aofFilename)
		if err != nil {
			logger.Error("failed to open AOF", "error", err)
			os.Exit(1)
		}
		app.aof = aof

		if stat, err := aof.file.Stat(); err == nil {
			app.aofBaseSize.Store(stat.Size())
		}

		// A truncated load left a torn command at the tail; compacting
		// now replaces the file with a clean snapshot.
		if app.needsCompaction {
			logger.Info("AOF was truncated on load, triggering immediate compaction to heal the file...")
			if err := app.CompactAOF(); err != nil {
				logger.Error("failed to compact AOF after truncation recovery", "error", err)
			} else {
				logger.Info("AOF healed successfully")
			}
		}
	} else {
		logger.Info("persistence disabled, running in memory-only mode")
	}

	if cfg.metricsAddr != "" {
		go app.serveMetrics(cfg.metricsAddr)
	}

	// Maintenance loop: durability fsync plus the auto-rewrite check.
	go func() {
		fsyncTicker := time.NewTicker(1 * time.Second)
		defer fsyncTicker.Stop()

		for range fsyncTicker.C {
			if app.aof == nil {
				continue
			}

			if err := app.aof.Fsync(); err != nil {
				logger.Error("background sync failed", "error", err)
			}

			stat, err := app.aof.file.Stat()
			if err != nil {
				continue
			}

			currentSize := stat.Size()
			baseSize := app.aofBaseSize.Load()

			// Small files aren't worth compacting even when the growth
			// percentage is technically exceeded.
			if currentSize < cfg.aofMinSize {
				continue
			}

			growthTarget := baseSize + (baseSize * int64(cfg.aofRewritePercent) / 100)
			if currentSize <= growthTarget {
				continue
			}

			// CompareAndSwap wins only when no other compaction (auto
			// or via COMPACT) is in flight.
			if app.isRewriting.CompareAndSwap(false, true) {
				logger.Info("auto-rewrite triggered",
					"current_bytes", currentSize,
					"base_bytes", baseSize,
					"threshold_percent", cfg.aofRewritePercent)

				go func() {
					defer app.isRewriting.Store(false)

					start := time.Now()
					if err := app.CompactAOF(); err != nil {
						logger.Error("auto-rewrite failed", "error", err)
					} else {
						logger.Info("auto-rewrite completed", "duration", time.Since(start))
					}
				}()
			}
		}
	}()

	defer func() {
		if app.aof == nil {
			logger.Info("shutting down...")
			return
		}
		logger.Info("shutting down, compacting AOF...")
		if err := app.CompactAOF(); err != nil {
			logger.Error("failed to compact AOF on exit", "error", err)
		}
		_ = app.aof.Close()
	}()

	if err := app.serve(); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}
