// Command vmand is the VMAN daemon: it loads configuration from the
// VMAN_* environment variables, wires up the process-wide singletons
// (Inventory Store, Network Manager, Operator, Observer, Metadata
// Service) into the dependency carrier, and serves the HTTP API until
// signaled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/blawesom/vm-manager/internal/config"
	"github.com/blawesom/vm-manager/internal/deps"
	"github.com/blawesom/vm-manager/internal/httpapi"
	"github.com/blawesom/vm-manager/internal/metadata"
	"github.com/blawesom/vm-manager/internal/netmgr"
	"github.com/blawesom/vm-manager/internal/observer"
	"github.com/blawesom/vm-manager/internal/operator"
	"github.com/blawesom/vm-manager/internal/store"
	"github.com/blawesom/vm-manager/internal/vlog"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vmand: "+err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(flag.NewFlagSet("vmand", flag.ExitOnError), os.Args[1:])
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	if err := vlog.Init(vlog.Options{
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
		Dir:         cfg.LogDir,
		MaxBytes:    cfg.LogMaxBytes,
		BackupCount: cfg.LogBackupCount,
	}); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer vlog.Close()

	d, cleanup, err := buildDeps(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.Observer.Start(ctx)
	defer d.Observer.Stop()

	apiSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.NewRouter(d),
	}

	// The HTTP API, the Metadata Service, and the signal-driven shutdown
	// watcher run as a group: an HTTP API failure or a stop signal drives
	// the others down via ctx cancellation, and Wait returns the first
	// non-nil error. A Metadata Service failure (such as a bind failure on
	// the link-local address) is logged and leaves the rest running.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.Metadata.Serve(gctx); err != nil {
			vlog.Error("vmand: metadata service: %v", err)
		}
		return nil
	})

	g.Go(func() error {
		vlog.Info("vmand: HTTP API listening on %s", cfg.HTTPAddr)
		errCh := make(chan error, 1)
		go func() { errCh <- apiSrv.ListenAndServe() }()

		select {
		case <-gctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := apiSrv.Shutdown(shutdownCtx); err != nil {
				vlog.Warn("vmand: HTTP API shutdown: %v", err)
			}
			<-errCh
			return nil
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("HTTP API server: %w", err)
			}
			return nil
		}
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigCh:
			vlog.Info("vmand: received %v, shutting down", sig)
		case <-gctx.Done():
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		vlog.Error("vmand: %v", err)
		return err
	}

	return nil
}

// buildDeps constructs every process-wide singleton from cfg and bundles
// them into a *deps.Deps.
func buildDeps(cfg *config.Config) (*deps.Deps, func(), error) {
	if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating storage root %s: %w", cfg.StoragePath, err)
	}

	st := store.New()
	if err := st.Init(store.Path(cfg.StoragePath + "/vman.db")); err != nil {
		return nil, nil, fmt.Errorf("initializing inventory store: %w", err)
	}

	netCfg := netmgr.Config{
		VLANID:     cfg.VLANID,
		BridgeName: cfg.BridgeName,
		Subnet:     cfg.Subnet,
		Gateway:    cfg.Gateway,
		DNS:        cfg.DNS,
		DryRun:     cfg.DryRun,
	}
	net, err := netmgr.New(netCfg)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("initializing network manager: %w", err)
	}

	if err := net.EnsureBridge(); err != nil {
		vlog.Warn("vmand: ensure_bridge: %v", err)
	}

	op, err := operator.New(operator.Config{
		StorageRoot:     cfg.StoragePath,
		DefaultBootDisk: cfg.DefaultBootDisk,
		DryRun:          cfg.DryRun,
	}, net)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("initializing operator: %w", err)
	}

	rebuildIPPool(cfg.StoragePath, net)

	obs := observer.New(st, op, time.Duration(cfg.ObserverInterval*float64(time.Second)))
	md := metadata.New(st, cfg.StoragePath, cfg.MetadataAddr)

	d := &deps.Deps{
		Store:       st,
		Operator:    op,
		Net:         net,
		Observer:    obs,
		Metadata:    md,
		StorageRoot: cfg.StoragePath,
	}

	cleanup := func() {
		st.Close()
	}

	return d, cleanup, nil
}

// rebuildIPPool re-seeds the Network Manager's allocated-IP set from each
// VM's recorded ip.txt. The pool itself is memory-only, so after a daemon
// restart a still-running guest would otherwise have its address handed
// out to the next start.
func rebuildIPPool(storageRoot string, net *netmgr.Manager) {
	entries, err := os.ReadDir(storageRoot + "/vms")
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		b, err := os.ReadFile(storageRoot + "/vms/" + e.Name() + "/ip.txt")
		if err != nil {
			continue
		}
		ip := strings.TrimSpace(string(b))
		if ip != "" && net.TryReserveIP(ip) {
			vlog.Info("vmand: reclaimed IP %s for VM %s from ip.txt", ip, e.Name())
		}
	}
}
