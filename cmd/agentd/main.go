// Command agentd is the node agent daemon (spec.md §5, §6): it loads
// config.json, reconciles the server registry against the container
// runtime, and serves the control HTTP surface and the embedded SFTP
// daemon until asked to shut down.
//
// Grounded on the teacher's cmd/warden/main.go: flag-free, env-driven
// bootstrap, ordered component construction, signal.NotifyContext,
// and a sequenced Shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"hightide/internal/config"
	"hightide/internal/containerdriver"
	"hightide/internal/httpapi"
	"hightide/internal/registry"
	"hightide/internal/remoteapi"
	"hightide/internal/sftpd"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("agentd: %v", err)
	}
}

func run() error {
	logger := log.New(os.Stdout, "[agentd] ", log.LstdFlags|log.Lmsgprefix)

	configPath := os.Getenv("HIGHTIDE_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	driver, err := containerdriver.New(logger)
	if err != nil {
		return fmt.Errorf("connect to container runtime: %w", err)
	}
	defer driver.Close()

	store := registry.NewStore(filepath.Join(filepath.Dir(configPath), "servers.json"))
	reg := registry.New(cfg.Path, driver, store, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := reg.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile registry: %w", err)
	}

	remote := remoteapi.New(cfg.Remote, cfg.UUID, cfg.Token, logger)

	watcher, err := config.NewWatcher(configPath, cfg, logger)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	watcher.OnReload(func(f *config.File) {
		remote.SetBaseURL(f.Remote)
		remote.SetToken(f.Token)
	})
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	defer watcher.Stop()

	hostKeyPath := filepath.Join(filepath.Dir(configPath), "sftp_host_key")
	sftpServer, err := sftpd.New(fmt.Sprintf("0.0.0.0:%d", cfg.SFTP), hostKeyPath, reg, remote, logger)
	if err != nil {
		return fmt.Errorf("create sftp server: %w", err)
	}

	httpServer := httpapi.New(fmt.Sprintf("0.0.0.0:%d", cfg.Port), cfg.Token, reg, remote, logger)

	errs := make(chan error, 2)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http api: %w", err)
			return
		}
		errs <- nil
	}()
	go func() {
		if err := sftpServer.ListenAndServe(); err != nil {
			errs <- fmt.Errorf("sftp server: %w", err)
			return
		}
		errs <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Printf("component failed: %v", err)
			runErr = err
		}
	}

	return errors.Join(runErr, shutdown(httpServer, sftpServer))
}

// shutdown tears down the control surfaces without touching any
// container (spec.md §5 "do NOT stop or delete containers on shutdown").
// It stops the HTTP server (hijacked console websockets are not closed by
// it) and the SFTP listener; console supervisors and open SFTP sessions
// are not cancelled, and the registry store is not rewritten here (it is
// saved on every create and remove).
func shutdown(httpServer *httpapi.Server, sftpServer *sftpd.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown http api: %w", err))
	}
	if err := sftpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown sftp server: %w", err))
	}
	return errors.Join(errs...)
}
