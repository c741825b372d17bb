package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go-civitai-daemon/internal/config"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	runListen     string
	runNoServer   bool
	runQuiet      bool
	runWebhookURL string
	runTorrents   bool
	runWorkers    int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the download daemon and its HTTP control plane",
	Long: `Starts the worker loop and serves the control API until SIGINT or SIGTERM,
or until a client calls POST /api/stop.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runListen, "listen", config.DefaultServerListen, "Control plane listen address")
	runCmd.Flags().BoolVar(&runNoServer, "no-server", false, "Do not start the HTTP control plane")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Disable the live progress display")
	runCmd.Flags().StringVar(&runWebhookURL, "webhook", "", "POST every event to this URL")
	runCmd.Flags().BoolVar(&runTorrents, "torrents", false, "Generate a .torrent for every completed download")
	runCmd.Flags().IntVar(&runWorkers, "workers", config.DefaultDaemonWorkers, "Worker count (jobs are always processed one at a time)")

	commandFlagHooks["run"] = func(cmd *cobra.Command, flags *config.CliFlags) {
		f := cmd.Flags()
		flags.Server = &config.CliServerFlags{}
		if f.Changed("listen") {
			flags.Server.Listen = &runListen
		}
		if f.Changed("no-server") {
			flags.Server.Disabled = &runNoServer
		}
		if f.Changed("webhook") {
			flags.Webhook = &config.CliWebhookFlags{URL: &runWebhookURL}
		}
		if f.Changed("torrents") {
			flags.Torrent = &config.CliTorrentFlags{Enabled: &runTorrents}
		}
		if f.Changed("workers") {
			flags.Daemon = &config.CliDaemonFlags{Workers: &runWorkers}
		}
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(globalConfig, globalHttpTransport, appOptions{Console: !runQuiet})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.daemon.Start(ctx); err != nil {
		return err
	}

	var srv *http.Server
	// Cancelled before Shutdown so open event streams end promptly.
	streamCtx, endStreams := context.WithCancel(context.Background())
	defer endStreams()
	serveErr := make(chan error, 1)
	if globalConfig.Server.Enabled {
		ln, err := net.Listen("tcp", globalConfig.Server.Listen)
		if err != nil {
			_ = a.stopDaemon()
			return err
		}
		srv = &http.Server{
			Handler:           a.server().Handler(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return streamCtx },
		}
		log.Infof("Control plane listening on http://%s", ln.Addr())
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case <-a.daemon.Done():
		log.Info("Daemon stopped")
	case err = <-serveErr:
		log.WithError(err).Error("Control plane failed")
	}

	if srv != nil {
		endStreams()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			_ = srv.Close()
		}
		cancel()
	}
	if stopErr := a.stopDaemon(); stopErr != nil && err == nil {
		err = stopErr
	}
	return err
}
