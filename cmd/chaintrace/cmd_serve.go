package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rawblock/chaintrace-engine/internal/acquire"
	"github.com/rawblock/chaintrace-engine/internal/alerts"
	"github.com/rawblock/chaintrace-engine/internal/api"
	"github.com/rawblock/chaintrace-engine/internal/config"
	"github.com/rawblock/chaintrace-engine/internal/db"
	"github.com/rawblock/chaintrace-engine/internal/gate"
	"github.com/rawblock/chaintrace-engine/internal/run"
	"github.com/rawblock/chaintrace-engine/pkg/models"
)

func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Long: `Starts the investigation API. With database.url configured,
investigations, observations, clusters, and alerts are persisted and
survive restarts; without it the engine runs in memory only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := config.Load(flagConfig)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}

			var store *db.PostgresStore
			if cfg.Database.URL != "" {
				store, err = db.Connect(cmd.Context(), cfg.Database.URL, log)
				if err != nil {
					log.Warn().Err(err).Msg("postgres unavailable, continuing in memory only")
				} else {
					defer store.Close()
					if err := store.InitSchema(cmd.Context()); err != nil {
						return fmt.Errorf("schema init: %w", err)
					}
				}
			}

			runs, err := run.NewManager(cfg, log)
			if err != nil {
				return err
			}

			watchlist := alerts.NewWatchlist()
			var srv *api.Server
			alertMgr := alerts.NewManager(func(a alerts.Alert) {
				srv.BroadcastAlert(a)
				if store != nil {
					if err := store.SaveAlert(context.Background(), a); err != nil {
						log.Error().Err(err).Msg("failed to persist alert")
					}
				}
			}, log)
			if cfg.Monitoring.WebhookURL != "" {
				alertMgr.RegisterWebhook("default", cfg.Monitoring.WebhookURL, cfg.Monitoring.MinSeverity, nil)
			}

			srv = api.NewServer(runs, alertMgr, watchlist, store, cfg, log)
			router := srv.Router()

			if err := startSources(cmd.Context(), cfg, runs, store, log); err != nil {
				return err
			}

			log.Info().Str("listen", cfg.API.Listen).Str("version", version).Msg("engine running")
			return router.Run(cfg.API.Listen)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (overrides api.listen)")
	return cmd
}

// startSources opens one investigation per configured source and
// starts a monitor streaming its observations into it.
func startSources(ctx context.Context, cfg *config.Config, runs *run.Manager, store *db.PostgresStore, log zerolog.Logger) error {
	for _, src := range cfg.Sources {
		inv, err := runs.Start(run.Params{
			Chain:    src.Chain,
			Asset:    src.Asset,
			Announce: src.Announce,
			LPUSD:    src.LPUSD,
			Mode:     gate.Mode(src.Mode),
		})
		if err != nil {
			return err
		}
		if store != nil {
			if err := store.SaveRun(ctx, db.RunRecord{
				ID: inv.ID, Chain: src.Chain, Asset: src.Asset,
				Announce: src.Announce, LPUSD: src.LPUSD,
				Mode: string(inv.Params.Mode), StartedAt: inv.Started,
			}); err != nil {
				log.Error().Err(err).Str("run", inv.ID).Msg("failed to persist run")
			}
		}

		source, err := buildSource(src, cfg, log)
		if err != nil {
			return err
		}
		interval := src.Interval
		if interval == 0 {
			interval = 30 * time.Second
		}

		sink := func(obs models.Observation) {
			eid, err := inv.Ingest(obs)
			if err != nil {
				log.Debug().Err(err).Str("run", inv.ID).Msg("monitor observation rejected")
				return
			}
			if store == nil {
				return
			}
			if rec, lerr := inv.Ledger().Get(eid); lerr == nil {
				if serr := store.SaveObservation(ctx, inv.ID, rec); serr != nil {
					log.Error().Err(serr).Int64("eid", eid).Msg("failed to persist observation")
				}
			}
		}

		mon := acquire.NewMonitor(source, sink, interval, log)
		go mon.Run(ctx)
		log.Info().Str("run", inv.ID).Str("chain", src.Chain).Dur("interval", interval).Msg("source monitor started")
	}
	return nil
}

// buildSource maps a source descriptor onto the matching chain adapter
func buildSource(src config.Source, cfg *config.Config, log zerolog.Logger) (acquire.Source, error) {
	if src.Chain == "btc" {
		client, err := acquire.NewBitcoinClient(acquire.BitcoinConfig{
			Host: src.Endpoints[0].BaseURL,
			User: src.RPCUser,
			Pass: src.RPCPass,
		}, log)
		if err != nil {
			return nil, err
		}
		return acquire.NewMempoolSource(client, log), nil
	}

	endpoints := make([]acquire.Endpoint, 0, len(src.Endpoints))
	for _, ep := range src.Endpoints {
		endpoints = append(endpoints, acquire.Endpoint{BaseURL: ep.BaseURL, APIKey: ep.APIKey})
	}
	client := acquire.NewEVMClient(src.Chain, endpoints, cfg.Acquire, log)
	return acquire.NewTokenActivitySource(client, src.Asset, src.Address, log), nil
}
