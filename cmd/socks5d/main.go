// Command socks5d is the proxy's CLI entry point: parse flags, load
// config, configure logging, build the orchestrator, wire signals, run
// until shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/hev-proxy/socks5d/internal/api"
	"github.com/hev-proxy/socks5d/internal/config"
	"github.com/hev-proxy/socks5d/internal/logging"
	"github.com/hev-proxy/socks5d/internal/proxy"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [--version] <config-path>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return 0
	}

	configPath := config.ResolveConfigPath(flag.Arg(0))
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "socks5d: config: %v\n", err)
		return -1
	}

	logger := logging.Configure(logging.Config{
		Level:   cfg.Misc.LogLevel,
		LogFile: cfg.Misc.LogFile,
	})

	if cfg.Misc.PIDFile != "" {
		if err := writePIDFile(cfg.Misc.PIDFile); err != nil {
			logger.Warn("socks5d: failed to write pid file", "path", cfg.Misc.PIDFile, "error", err)
		}
	}

	if cfg.Misc.LimitNoFile > 0 {
		if err := raiseNoFileLimit(uint64(cfg.Misc.LimitNoFile)); err != nil {
			logger.Warn("socks5d: failed to raise open-file limit", "limit", cfg.Misc.LimitNoFile, "error", err)
		}
	}

	p, err := proxy.New(cfg, logger)
	if err != nil {
		logger.Error("socks5d: failed to initialize proxy", "error", err)
		return -1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGUSR1)
	go watchReload(ctx, reload, p, logger)

	if cfg.API.Enabled {
		apiServer := api.New(cfg, p, logger)
		go func() {
			logger.Info("socks5d: admin API starting", "addr", apiServer.Addr())
			if err := apiServer.Run(ctx); err != nil {
				logger.Error("socks5d: admin API exited with error", "error", err)
			}
		}()
	}

	logger.Info("socks5d starting",
		"listen", cfg.Main.ListenAddr+":"+cfg.Main.Port,
		"workers", cfg.Main.Workers.String(),
	)

	if err := p.Run(ctx); err != nil {
		logger.Error("socks5d: proxy exited with error", "error", err)
		return -1
	}
	logger.Info("socks5d: graceful shutdown complete")
	return 0
}

// watchReload rebuilds and swaps the proxy's auth store on every SIGUSR1
// until ctx is cancelled.
func watchReload(ctx context.Context, sig chan os.Signal, p *proxy.Proxy, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := p.Reload(); err != nil {
				logger.Error("socks5d: reload failed", "error", err)
			}
		}
	}
}

func writePIDFile(path string) error {
	return os.WriteFile(path, fmt.Appendf(nil, "%d\n", os.Getpid()), 0o644)
}

// raiseNoFileLimit lifts RLIMIT_NOFILE to n, capped at the hard limit, so
// a busy proxy isn't starved of descriptors by a conservative inherited
// soft limit.
func raiseNoFileLimit(n uint64) error {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return err
	}
	if n > lim.Max {
		n = lim.Max
	}
	lim.Cur = n
	return unix.Setrlimit(unix.RLIMIT_NOFILE, &lim)
}
