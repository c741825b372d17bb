package cmd

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"

	"go-civitai-daemon/internal/config"
	"go-civitai-daemon/internal/database"
	"go-civitai-daemon/internal/models"
	"go-civitai-daemon/internal/paths"
	"go-civitai-daemon/internal/torrent"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	torrentModelIDs     []int
	announceURLs        []string
	torrentOutputDir    string
	overwriteTorrents   bool
	generateMagnetLinks bool
	torrentConcurrency  int
)

var torrentCmd = &cobra.Command{
	Use:   "torrent [file or directory...]",
	Short: "Generate .torrent files for downloaded models",
	Long: `Generates a BitTorrent metainfo (.torrent) file for each given path. With no
paths, every successful download recorded in the database is used, optionally
filtered by --model-id. Trackers come from --announce or the Torrent.Trackers
config.`,
	RunE: runTorrent,
}

func init() {
	rootCmd.AddCommand(torrentCmd)
	f := torrentCmd.Flags()
	f.StringSliceVar(&announceURLs, "announce", nil, "Tracker announce URL (repeatable)")
	f.IntSliceVar(&torrentModelIDs, "model-id", nil, "Only model ID(s) from the database")
	f.StringVarP(&torrentOutputDir, "output-dir", "o", "", "Directory for .torrent files (default: next to each file)")
	f.BoolVarP(&overwriteTorrents, "overwrite", "f", false, "Overwrite existing .torrent files")
	f.BoolVar(&generateMagnetLinks, "magnet-links", false, "Also write a -magnet.txt file for each torrent")
	f.IntVarP(&torrentConcurrency, "concurrency", "c", 2, "Number of concurrent torrent workers")

	commandFlagHooks["torrent"] = func(cmd *cobra.Command, flags *config.CliFlags) {
		f := cmd.Flags()
		t := &config.CliTorrentFlags{}
		if f.Changed("announce") {
			t.Trackers = &announceURLs
		}
		if f.Changed("output-dir") {
			t.OutputDir = &torrentOutputDir
		}
		if f.Changed("overwrite") {
			t.Overwrite = &overwriteTorrents
		}
		if f.Changed("magnet-links") {
			t.MagnetLinks = &generateMagnetLinks
		}
		flags.Torrent = t
	}
}

// torrentSources lists the completed files recorded in the database.
func torrentSources(db *database.DB, root string, modelIDs []int) ([]string, error) {
	records, err := db.LastDownloads(math.MaxInt32)
	if err != nil {
		return nil, err
	}
	wanted := make(map[int]bool, len(modelIDs))
	for _, id := range modelIDs {
		wanted[id] = true
	}

	seen := make(map[string]bool)
	var out []string
	for _, rec := range records {
		if len(wanted) > 0 && !wanted[rec.ModelID] {
			continue
		}
		p, err := paths.Destination(root, &models.Job{Filename: rec.Filename, Category: rec.ModelType})
		if err != nil {
			log.WithError(err).Warnf("Skipping %s", rec.Filename)
			continue
		}
		if seen[p] {
			continue
		}
		seen[p] = true
		if _, err := os.Stat(p); err != nil {
			log.Warnf("Recorded file %s is missing, skipping", p)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func runTorrent(cmd *cobra.Command, args []string) error {
	gen := torrent.Generator{
		Trackers:    globalConfig.Torrent.Trackers,
		OutputDir:   globalConfig.Torrent.OutputDir,
		Overwrite:   globalConfig.Torrent.Overwrite,
		MagnetLinks: globalConfig.Torrent.MagnetLinks,
	}
	if len(torrent.ValidTrackers(gen.Trackers)) == 0 {
		return errors.New("at least one valid --announce URL is required")
	}

	sources := args
	if len(sources) == 0 {
		db, err := database.Open(globalConfig.DatabasePath)
		if err != nil {
			return err
		}
		sources, err = torrentSources(db, globalConfig.SavePath, torrentModelIDs)
		_ = db.Close()
		if err != nil {
			return err
		}
	}
	if len(sources) == 0 {
		log.Info("Nothing to do: no downloaded files found")
		return nil
	}

	workers := torrentConcurrency
	if workers < 1 {
		workers = 1
	}
	jobs := make(chan string)
	var wg sync.WaitGroup
	var succeeded, failed atomic.Int64
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for src := range jobs {
				out, err := gen.Generate(src)
				if err != nil {
					log.WithError(err).Errorf("Torrent worker %d: failed for %s", id, src)
					failed.Add(1)
					continue
				}
				if out.Skipped {
					log.Infof("Torrent worker %d: %s already exists", id, out.TorrentPath)
				} else {
					log.Infof("Torrent worker %d: wrote %s (info hash %s)", id, out.TorrentPath, out.InfoHash)
				}
				succeeded.Add(1)
			}
		}(i + 1)
	}
	for _, src := range sources {
		jobs <- src
	}
	close(jobs)
	wg.Wait()

	log.Infof("Torrent generation finished: %d succeeded, %d failed", succeeded.Load(), failed.Load())
	if failed.Load() > 0 {
		return fmt.Errorf("%d torrent(s) failed", failed.Load())
	}
	return nil
}
