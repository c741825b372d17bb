package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"go-civitai-daemon/internal/api"
	"go-civitai-daemon/internal/console"
	"go-civitai-daemon/internal/daemon"
	"go-civitai-daemon/internal/database"
	"go-civitai-daemon/internal/downloader"
	"go-civitai-daemon/internal/events"
	"go-civitai-daemon/internal/index"
	"go-civitai-daemon/internal/models"
	"go-civitai-daemon/internal/scheduler"
	"go-civitai-daemon/internal/torrent"
	"go-civitai-daemon/internal/verifier"

	log "github.com/sirupsen/logrus"
)

const shutdownGrace = 10 * time.Second

type appOptions struct {
	Console bool
}

// app holds every long-lived component of one daemon process.
type app struct {
	cfg        models.Config
	db         *database.DB
	idx        *index.Index
	hub        *events.Hub
	dispatcher *events.Dispatcher
	webhook    *events.WebhookSink
	torrents   *torrent.Sink
	console    *console.Console
	daemon     *daemon.Daemon
	transport  http.RoundTripper
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func newApp(cfg models.Config, transport http.RoundTripper, opts appOptions) (*app, error) {
	if transport == nil {
		transport = http.DefaultTransport
	}
	a := &app{cfg: cfg, hub: events.NewHub(), transport: transport}

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	a.db = db

	sinks := []events.Sink{a.hub}
	if cfg.Index.Enabled {
		idx, err := index.OpenOrCreateIndex(cfg.IndexPath)
		if err != nil {
			log.WithError(err).Warn("Search index unavailable, continuing without it")
		} else {
			a.idx = idx
			sinks = append(sinks, idx)
		}
	}
	if cfg.Webhook.URL != "" {
		client := &http.Client{Timeout: time.Duration(cfg.Webhook.TimeoutSec) * time.Second, Transport: transport}
		a.webhook = events.NewWebhookSink(cfg.Webhook.URL, client, cfg.Daemon.EventBuffer)
		sinks = append(sinks, a.webhook)
		log.Infof("Publishing events to webhook %s", cfg.Webhook.URL)
	}
	if cfg.Torrent.Enabled {
		gen := torrent.Generator{
			Trackers:    cfg.Torrent.Trackers,
			OutputDir:   cfg.Torrent.OutputDir,
			Overwrite:   cfg.Torrent.Overwrite,
			MagnetLinks: cfg.Torrent.MagnetLinks,
		}
		a.torrents = torrent.NewSink(gen, 0)
		sinks = append(sinks, a.torrents)
	}
	if opts.Console {
		a.console = console.New(os.Stdout)
		sinks = append(sinks, a.console)
	}
	a.dispatcher = events.NewDispatcher(cfg.Daemon.EventBuffer, sinks...)

	// No overall client timeout: long transfers are policed by the idle watchdog.
	fetchClient := &http.Client{Transport: transport}
	dl := downloader.NewDownloader(fetchClient, cfg.APIKey, a.dispatcher, downloader.Options{
		Root:             cfg.SavePath,
		ProgressInterval: ms(cfg.Daemon.ProgressIntervalMs),
		PausePoll:        ms(cfg.Daemon.PausePollMs),
	})
	v := verifier.New(a.dispatcher, ms(cfg.Daemon.ProgressIntervalMs))

	a.daemon = daemon.New(daemon.Options{
		MaxRetries:  cfg.MaxRetries,
		RetryDelay:  ms(cfg.Daemon.RetryDelayMs),
		PollTimeout: ms(cfg.Daemon.PollTimeoutMs),
		PausePoll:   ms(cfg.Daemon.PausePollMs),
		Workers:     cfg.Daemon.Workers,
	}, scheduler.New(a.dispatcher), dl, v, a.dispatcher, db)

	return a, nil
}

// apiClient returns a Civitai API client sharing the app's transport.
func (a *app) apiClient() *api.Client {
	httpClient := &http.Client{
		Timeout:   time.Duration(a.cfg.APIClientTimeoutSec) * time.Second,
		Transport: a.transport,
	}
	return api.NewClient(a.cfg.APIKey, httpClient, "")
}

// server builds the HTTP control plane over this app.
func (a *app) server() *api.Server {
	s := &api.Server{Daemon: a.daemon, Store: a.db, Civitai: a.apiClient(), Hub: a.hub, Sink: a.dispatcher}
	if a.idx != nil {
		s.Index = a.idx
	}
	return s
}

// drain starts the daemon, waits until the queue has been emptied once, and
// stops it. Jobs must be submitted before calling drain.
func (a *app) drain(ctx context.Context) error {
	if err := a.daemon.Start(ctx); err != nil {
		return err
	}
	select {
	case <-a.daemon.Idle():
		log.Info("Queue drained")
	case <-a.daemon.Done():
	case <-ctx.Done():
		log.Warn("Interrupted, stopping daemon")
	}
	return a.stopDaemon()
}

func (a *app) stopDaemon() error {
	a.daemon.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.daemon.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for daemon to stop: %w", err)
	}
	return nil
}

// close flushes the event sinks and releases the stores. The daemon must
// already be stopped.
func (a *app) close() {
	a.dispatcher.Close()
	if a.webhook != nil {
		a.webhook.Close()
	}
	if a.torrents != nil {
		a.torrents.Close()
	}
	if a.console != nil {
		a.console.Close()
	}
	if a.idx != nil {
		if err := a.idx.Close(); err != nil {
			log.WithError(err).Warn("Error closing search index")
		}
	}
	if err := a.db.Close(); err != nil {
		log.WithError(err).Warn("Error closing database")
	}
}
