// calcfs - in-memory calculator filesystem
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/radryc/calcfs/internal/cache"
	calcfuse "github.com/radryc/calcfs/internal/fuse"
	"github.com/radryc/calcfs/internal/mount"
	"github.com/radryc/calcfs/internal/namespace"
)

func main() {
	mountpoint := flag.String("mount", "", "Mount point (required)")
	populationFile := flag.String("population", "", "YAML population file (default: built-in calc/fib.num and hello.txt)")
	cacheDir := flag.String("cache", "", "Metadata cache directory (optional, disables cache if empty)")
	keepCache := flag.Bool("keep-cache", false, "Keep existing cache on mount (default: clear cache)")
	controlSocket := flag.String("control", "", "Control socket path (default: $XDG_RUNTIME_DIR/calcfs.sock or /tmp/calcfs-<uid>.sock)")
	allowOther := flag.Bool("allow-other", false, "Allow other users to access the filesystem")
	maxNodes := flag.Int("max-nodes", 0, "Maximum number of namespace nodes (0 = unlimited)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *mountpoint == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Setup logger
	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if *controlSocket == "" {
		*controlSocket = defaultSocketPath()
	}

	logger.Info("starting calcfs",
		"mount", *mountpoint,
		"population", *populationFile,
		"cache", *cacheDir,
		"control", *controlSocket,
	)

	var population *mount.Population
	if *populationFile != "" {
		pop, err := mount.LoadPopulation(*populationFile)
		if err != nil {
			logger.Error("failed to load population", "error", err)
			os.Exit(1)
		}
		population = &pop
	}

	// Setup cache if directory provided
	var cacheLayer *cache.Cache
	if *cacheDir != "" {
		if !*keepCache {
			logger.Info("clearing cache directory", "dir", *cacheDir)
			if err := os.RemoveAll(*cacheDir); err != nil {
				logger.Warn("failed to clear cache directory", "error", err)
			}
		}

		var err error
		cacheLayer, err = cache.New(*cacheDir, logger)
		if err != nil {
			logger.Warn("failed to initialize cache, continuing without cache", "error", err)
			cacheLayer = nil
		} else {
			defer cacheLayer.Close()
		}
	}

	var allocator namespace.Allocator
	if *maxNodes > 0 {
		allocator = namespace.NewBudget(*maxNodes)
	}

	server, err := calcfuse.Mount(calcfuse.Options{
		Mountpoint: *mountpoint,
		Population: population,
		Allocator:  allocator,
		Cache:      cacheLayer,
		UID:        uint32(os.Getuid()),
		GID:        uint32(os.Getgid()),
		AllowOther: *allowOther,
		Debug:      *debug,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to mount", "error", err)
		os.Exit(1)
	}

	control, err := calcfuse.NewControlSocketHandler(*controlSocket, server.Session(), server.Mountpoint(), logger)
	if err != nil {
		logger.Error("failed to create control socket", "error", err)
		server.Unmount()
		server.Wait()
		os.Exit(1)
	}
	control.Start()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Serve until the kernel detaches us, then release the namespace.
	g.Go(func() error {
		defer stop()
		return server.Wait()
	})

	// On a signal (or an external unmount) stop the control socket and
	// detach the filesystem.
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		control.Stop()
		return server.Unmount()
	})

	if err := g.Wait(); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	logger.Info("calcfs stopped")
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "calcfs.sock")
	}
	return filepath.Join(os.TempDir(), "calcfs-"+strconv.Itoa(os.Getuid())+".sock")
}
