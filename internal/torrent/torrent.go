// Package torrent publishes BitTorrent metainfo for completed downloads.
package torrent

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go-civitai-daemon/internal/events"
	"go-civitai-daemon/internal/helpers"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
)

const (
	pieceLength = 512 * 1024 // 512 KiB
	createdBy   = "go-civitai-daemon"
)

var (
	ErrNoTrackers = errors.New("no valid tracker URLs")
	ErrNoSource   = errors.New("torrent source does not exist")
)

// Generator builds .torrent files (and optional magnet link files) for a
// file or directory.
type Generator struct {
	Trackers    []string
	OutputDir   string
	Overwrite   bool
	MagnetLinks bool
}

// Output describes what Generate wrote.
type Output struct {
	TorrentPath string
	MagnetPath  string
	MagnetURI   string
	InfoHash    string
	Skipped     bool
}

// Generate creates a torrent for sourcePath. The torrent is written next to
// the source unless OutputDir is set.
func (g Generator) Generate(sourcePath string) (Output, error) {
	var out Output

	if _, err := os.Stat(sourcePath); err != nil {
		if os.IsNotExist(err) {
			return out, fmt.Errorf("%w: %s", ErrNoSource, sourcePath)
		}
		return out, fmt.Errorf("error stating source path %s: %w", sourcePath, err)
	}
	trackers := ValidTrackers(g.Trackers)
	if len(trackers) == 0 {
		return out, ErrNoTrackers
	}

	outPath, err := g.outputPath(sourcePath)
	if err != nil {
		return out, err
	}
	out.TorrentPath = outPath
	magnetPath := magnetFilePath(outPath)

	if !g.Overwrite {
		if _, err := os.Stat(outPath); err == nil {
			log.WithField("path", outPath).Info("Skipping existing torrent file")
			out.Skipped = true
			if _, err := os.Stat(magnetPath); err == nil {
				out.MagnetPath = magnetPath
			}
			return out, nil
		}
	}

	mi, info, err := buildMetainfo(sourcePath, trackers)
	if err != nil {
		return out, err
	}
	if err := writeTorrentFile(outPath, mi); err != nil {
		return out, err
	}
	log.WithField("path", outPath).Info("Successfully generated torrent file")

	out.InfoHash = mi.HashInfoBytes().HexString()
	out.MagnetURI = MagnetURI(mi, info)
	if g.MagnetLinks {
		if err := os.WriteFile(filepath.Clean(magnetPath), []byte(out.MagnetURI+"\n"), 0640); err != nil {
			log.WithError(err).WithField("path", magnetPath).Warn("Failed to write magnet link file")
		} else {
			out.MagnetPath = magnetPath
		}
	}
	return out, nil
}

func (g Generator) outputPath(sourcePath string) (string, error) {
	name := filepath.Base(sourcePath) + ".torrent"
	if g.OutputDir == "" {
		info, err := os.Stat(sourcePath)
		if err == nil && info.IsDir() {
			return filepath.Join(sourcePath, name), nil
		}
		return filepath.Join(filepath.Dir(sourcePath), name), nil
	}
	if !helpers.CheckAndMakeDir(g.OutputDir) {
		return "", fmt.Errorf("error creating output directory %s", g.OutputDir)
	}
	return filepath.Join(g.OutputDir, name), nil
}

func magnetFilePath(torrentPath string) string {
	base := strings.TrimSuffix(filepath.Base(torrentPath), filepath.Ext(torrentPath))
	return filepath.Join(filepath.Dir(torrentPath), base+"-magnet.txt")
}

func buildMetainfo(sourcePath string, trackers []string) (*metainfo.MetaInfo, metainfo.Info, error) {
	mi := metainfo.MetaInfo{
		Announce:     trackers[0],
		AnnounceList: [][]string{trackers},
		CreatedBy:    createdBy,
		CreationDate: time.Now().Unix(),
	}

	info := metainfo.Info{
		PieceLength: pieceLength,
		Name:        filepath.Base(sourcePath),
	}
	log.WithField("path", sourcePath).Debug("Building torrent info...")
	if err := info.BuildFromFilePath(sourcePath); err != nil {
		return nil, metainfo.Info{}, fmt.Errorf("error building torrent info from path %s: %w", sourcePath, err)
	}

	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		return nil, metainfo.Info{}, fmt.Errorf("error marshaling torrent info: %w", err)
	}
	mi.InfoBytes = infoBytes
	return &mi, info, nil
}

// ValidTrackers keeps only http, https and udp announce URLs.
func ValidTrackers(trackers []string) []string {
	valid := make([]string, 0, len(trackers))
	for _, tracker := range trackers {
		u, err := url.Parse(strings.TrimSpace(tracker))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https" && u.Scheme != "udp") {
			log.WithField("tracker", tracker).Warn("Invalid or unsupported tracker URL provided, skipping.")
			continue
		}
		valid = append(valid, u.String())
	}
	return valid
}

func writeTorrentFile(outPath string, mi *metainfo.MetaInfo) (err error) {
	f, err := os.Create(filepath.Clean(outPath))
	if err != nil {
		return fmt.Errorf("error creating torrent file %s: %w", outPath, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("error closing torrent file %s: %w", outPath, closeErr)
			_ = os.Remove(outPath)
		}
	}()

	if err := mi.Write(f); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("error writing torrent file %s: %w", outPath, err)
	}
	return nil
}

// MagnetURI builds a magnet link carrying the info hash, name and trackers.
func MagnetURI(mi *metainfo.MetaInfo, info metainfo.Info) string {
	parts := []string{
		"magnet:?xt=urn:btih:" + mi.HashInfoBytes().HexString(),
		"dn=" + url.QueryEscape(info.Name),
	}
	seen := make(map[string]struct{})
	add := func(tr string) {
		if _, ok := seen[tr]; ok || tr == "" {
			return
		}
		seen[tr] = struct{}{}
		parts = append(parts, "tr="+url.QueryEscape(tr))
	}
	add(mi.Announce)
	for _, tier := range mi.AnnounceList {
		for _, tr := range tier {
			add(tr)
		}
	}
	return strings.Join(parts, "&")
}

// Sink generates a torrent for every download_finished event on its own
// goroutine, so hashing a large file never holds up other sinks.
type Sink struct {
	gen    Generator
	queue  chan string
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewSink starts a torrent sink.
func NewSink(gen Generator, buffer int) *Sink {
	if buffer <= 0 {
		buffer = 64
	}
	s := &Sink{
		gen:   gen,
		queue: make(chan string, buffer),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

// Publish implements events.Sink.
func (s *Sink) Publish(e events.Event) {
	fin, ok := e.Payload.(events.DownloadFinished)
	if !ok || fin.Path == "" {
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- fin.Path:
	default:
		log.Warnf("[Torrent] Queue full, not generating torrent for %s", fin.Path)
	}
}

// Close finishes queued work and stops the sink.
func (s *Sink) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	<-s.done
}

func (s *Sink) run() {
	defer close(s.done)
	for path := range s.queue {
		out, err := s.gen.Generate(path)
		if err != nil {
			log.WithError(err).Errorf("[Torrent] Failed to generate torrent for %s", path)
			continue
		}
		if out.MagnetURI != "" {
			log.Infof("[Torrent] %s -> %s", filepath.Base(path), out.MagnetURI)
		}
	}
}
