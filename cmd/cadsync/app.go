package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/uvcad/cadsync/internal/config"
	"github.com/uvcad/cadsync/internal/provider"
	"github.com/uvcad/cadsync/internal/provider/cloud"
	"github.com/uvcad/cadsync/internal/provider/localfs"
	"github.com/uvcad/cadsync/internal/provider/share"
	"github.com/uvcad/cadsync/internal/statestore"
	"github.com/uvcad/cadsync/internal/sync"
	"github.com/uvcad/cadsync/internal/workspace"
)

// app is an opened state store plus an engine over the configured locations.
type app struct {
	cfg    *config.Config
	store  *statestore.Store
	engine *sync.Engine
	ignore *provider.IgnoreList
}

func (c *cli) open(ctx context.Context) (*app, error) {
	if c.ws == nil {
		return nil, errors.New("workspace not initialized")
	}
	return openApp(ctx, c.cfg, c.ws)
}

func openApp(ctx context.Context, cfg *config.Config, ws *workspace.Workspace) (*app, error) {
	ignore, err := loadIgnore(cfg)
	if err != nil {
		return nil, err
	}
	providers, err := buildProviders(ctx, cfg, ws, ignore)
	if err != nil {
		return nil, err
	}

	store := statestore.New(ws.DBPath)
	if err := store.Open(); err != nil {
		return nil, err
	}

	engine, err := sync.NewEngine(sync.Config{
		Providers: providers,
		Store:     store,
		Guard: sync.Guard{
			MaxDeletes:       cfg.Safety.MaxDeletes,
			MaxDeletePercent: cfg.Safety.MaxDeletePercent,
		},
		Workers:  cfg.Workers,
		SpoolDir: ws.SpoolDir,
		Lock:     ws.RunLock(),
		Host:     workspace.HostID(),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: store, engine: engine, ignore: ignore}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// buildProviders creates one provider per configured location. They share one ignore list.
func buildProviders(ctx context.Context, cfg *config.Config, ws *workspace.Workspace, ignore *provider.IgnoreList) ([]provider.Provider, error) {
	var providers []provider.Provider
	if cfg.Local.Enabled() {
		providers = append(providers, localfs.New(cfg.Local.Root, ignore))
	}
	if cfg.Cloud.Enabled() {
		p, err := cloud.New(ctx, cloud.Config{
			Bucket:    cfg.Cloud.Bucket,
			Prefix:    cfg.Cloud.Prefix,
			Region:    cfg.Cloud.Region,
			Endpoint:  cfg.Cloud.Endpoint,
			AccessKey: cfg.Cloud.AccessKey,
			SecretKey: cfg.Cloud.SecretKey,
		}, ignore)
		if err != nil {
			return nil, fmt.Errorf("cloud location: %w", err)
		}
		p.SetSpoolDir(ws.SpoolDir)
		providers = append(providers, p)
	}
	if cfg.Share.Enabled() {
		providers = append(providers, share.New(share.Options{
			Path:         cfg.Share.Path,
			RequireMount: cfg.Share.RequireMount,
			Ignore:       ignore,
		}))
	}

	if len(providers) == 0 {
		return nil, sync.ErrNoLocations
	}
	return providers, nil
}

// loadIgnore reads local.ignore_file, or the ignore file at the local root when none is configured.
func loadIgnore(cfg *config.Config) (*provider.IgnoreList, error) {
	path := cfg.Local.IgnoreFile
	if path == "" && cfg.Local.Enabled() {
		path = filepath.Join(cfg.Local.Root, provider.IgnoreFileName)
	}
	if path == "" {
		return provider.NewIgnoreList(), nil
	}
	slog.Debug("ignore file", "path", path)
	return provider.LoadIgnoreList(path)
}
