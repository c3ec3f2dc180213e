package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/richard-senior/podds/internal/logger"
	"github.com/richard-senior/podds/pkg/config"
	"github.com/richard-senior/podds/pkg/dataset"
	"github.com/richard-senior/podds/pkg/ensemble"
	"github.com/richard-senior/podds/pkg/feed"
	"github.com/richard-senior/podds/pkg/rating"
	"github.com/richard-senior/podds/pkg/store"
	"github.com/richard-senior/podds/pkg/telemetry"
	"github.com/richard-senior/podds/pkg/transport"
)

// app holds everything a command needs, built once from the config
type app struct {
	cfg     *config.Config
	store   *store.Store
	metrics *telemetry.Metrics
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if cfg.Store.Driver == "sqlite" {
		if dir := filepath.Dir(cfg.Store.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}
	s, err := store.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return &app{cfg: cfg, store: s, metrics: telemetry.New(nil)}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logger.Warn("Failed to close database", err)
	}
}

func (a *app) source() *feed.Source {
	client := transport.NewClient(transport.ClientOptions{
		Timeout:           a.cfg.Feed.Timeout,
		UserAgent:         a.cfg.Feed.UserAgent,
		RequestsPerSecond: a.cfg.Feed.RequestsPerSecond,
		Retries:           a.cfg.Feed.Retries,
		CABundle:          a.cfg.Feed.CABundle,
	})
	return feed.NewSource(client, a.cfg.Feed.BaseURL, a.cfg.CachePath)
}

// download fetches the configured leagues and seasons into the store
func (a *app) download(ctx context.Context) (int, error) {
	matches, err := a.source().Load(ctx, a.cfg.Feed.Leagues, a.cfg.Feed.Seasons)
	if err != nil {
		return 0, err
	}
	return a.store.SaveMatches(ctx, matches)
}

// dataset returns the stored matches of the configured leagues, downloading
// them first when the store has none
func (a *app) dataset(ctx context.Context) (*dataset.Dataset, error) {
	matches, err := a.store.LoadMatches(ctx, a.cfg.Feed.Leagues...)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		logger.Info("No stored matches, downloading from football-data.co.uk")
		if _, err := a.download(ctx); err != nil {
			return nil, err
		}
		if matches, err = a.store.LoadMatches(ctx, a.cfg.Feed.Leagues...); err != nil {
			return nil, err
		}
	}
	ds := dataset.New(matches)
	a.metrics.SetDatasetSize(ds.Len())
	logger.Info(fmt.Sprintf("Loaded %d matches between %d teams", ds.Len(), len(ds.Teams())))
	return ds, nil
}

// ensemble builds and fits the three model blend
func (a *app) ensemble(ctx context.Context) (*ensemble.Ensemble, error) {
	weights, err := a.cfg.Weights()
	if err != nil {
		return nil, err
	}
	members := ensemble.Weighted(ensemble.DefaultMembers(
		a.cfg.FitOptions(rating.DixonColes),
		a.cfg.FitOptions(rating.OffensiveDefensive),
		a.cfg.Heuristic,
	), weights)
	ens, err := ensemble.New(weights, members,
		ensemble.WithObserver(a.metrics),
		ensemble.WithMaxGoals(a.cfg.Model.MaxGoals),
	)
	if err != nil {
		return nil, err
	}
	ds, err := a.dataset(ctx)
	if err != nil {
		return nil, err
	}
	if err := ens.Fit(ctx, ds); err != nil {
		return nil, err
	}
	return ens, nil
}
