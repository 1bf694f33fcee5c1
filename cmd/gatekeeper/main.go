// Package main is the entry point for Gatekeeper, the request admission gate
// in front of the member-facing API.
//
// Every request is resolved to a member or anonymous key and charged one
// token from that key's bucket before it reaches the login route or the
// backend. Buckets live in process memory or, for multi-instance
// deployments, in Redis.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/playbaseball/gatekeeper/internal/auth"
	"github.com/playbaseball/gatekeeper/internal/config"
	"github.com/playbaseball/gatekeeper/internal/observability"
	"github.com/playbaseball/gatekeeper/internal/redis"
	"github.com/playbaseball/gatekeeper/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Printf("gatekeeper %s\n", version)
			return
		case "hash-secret":
			os.Exit(hashSecret())
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	redis.InitLogger(logger)
	logger.Info("starting gatekeeper", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("gatekeeper shut down gracefully")
}

// hashSecret reads a password from stdin and prints the bcrypt hash to put
// in auth.credentials.users[].secret_hash.
func hashSecret() int {
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintf(os.Stderr, "read secret: %v\n", err)
		return 1
	}
	hash, err := auth.HashSecret(strings.TrimRight(line, "\r\n"), config.Defaults().Auth.Credentials.BcryptCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash secret: %v\n", err)
		return 1
	}
	fmt.Println(hash)
	return 0
}
