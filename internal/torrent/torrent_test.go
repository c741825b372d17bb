package torrent

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go-civitai-daemon/internal/events"

	"github.com/anacrolix/torrent/metainfo"
)

func writeSource(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestGenerateSingleFile(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "model.safetensors", 700*1024)

	gen := Generator{
		Trackers:    []string{"udp://tracker.example:1337/announce", "ftp://bad", "https://t.example/announce"},
		MagnetLinks: true,
	}
	out, err := gen.Generate(src)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if out.TorrentPath != filepath.Join(dir, "model.safetensors.torrent") {
		t.Errorf("TorrentPath = %s", out.TorrentPath)
	}
	mi, err := metainfo.LoadFromFile(out.TorrentPath)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		t.Fatalf("UnmarshalInfo: %v", err)
	}
	if info.Name != "model.safetensors" || info.Length != 700*1024 {
		t.Errorf("info name=%s length=%d", info.Name, info.Length)
	}
	if info.PieceLength != pieceLength {
		t.Errorf("piece length = %d", info.PieceLength)
	}
	if mi.Announce != "udp://tracker.example:1337/announce" {
		t.Errorf("announce = %s", mi.Announce)
	}
	if len(mi.AnnounceList) != 1 || len(mi.AnnounceList[0]) != 2 {
		t.Errorf("announce list = %v, invalid tracker should be dropped", mi.AnnounceList)
	}
	if mi.HashInfoBytes().HexString() != out.InfoHash {
		t.Error("reported info hash does not match the written file")
	}

	if !strings.HasPrefix(out.MagnetURI, "magnet:?xt=urn:btih:"+out.InfoHash) {
		t.Errorf("magnet = %s", out.MagnetURI)
	}
	if strings.Count(out.MagnetURI, "tr=") != 2 {
		t.Errorf("magnet should carry both trackers once: %s", out.MagnetURI)
	}
	content, err := os.ReadFile(out.MagnetPath)
	if err != nil {
		t.Fatalf("magnet file: %v", err)
	}
	if strings.TrimSpace(string(content)) != out.MagnetURI {
		t.Error("magnet file content mismatch")
	}
}

func TestGenerateSkipsExisting(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "a.bin", 1024)
	gen := Generator{Trackers: []string{"http://t.example/announce"}}

	first, err := gen.Generate(src)
	if err != nil {
		t.Fatal(err)
	}
	second, err := gen.Generate(src)
	if err != nil {
		t.Fatal(err)
	}
	if first.Skipped || !second.Skipped {
		t.Errorf("skipped flags = %v, %v", first.Skipped, second.Skipped)
	}

	gen.Overwrite = true
	third, err := gen.Generate(src)
	if err != nil || third.Skipped {
		t.Errorf("overwrite run: skipped=%v err=%v", third.Skipped, err)
	}
}

func TestGenerateOutputDir(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "a.bin", 10)
	outDir := filepath.Join(dir, "torrents", "nested")

	out, err := Generator{Trackers: []string{"http://t.example/a"}, OutputDir: outDir}.Generate(src)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Dir(out.TorrentPath) != outDir {
		t.Errorf("TorrentPath = %s, want under %s", out.TorrentPath, outDir)
	}
}

func TestGenerateErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := (Generator{Trackers: []string{"http://t/a"}}).Generate(filepath.Join(dir, "missing")); !errors.Is(err, ErrNoSource) {
		t.Errorf("missing source: err = %v", err)
	}
	src := writeSource(t, dir, "a.bin", 10)
	if _, err := (Generator{Trackers: []string{"not a url", "ws://x"}}).Generate(src); !errors.Is(err, ErrNoTrackers) {
		t.Errorf("no trackers: err = %v", err)
	}
}

func TestSinkGeneratesOnFinished(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "done.bin", 2048)

	sink := NewSink(Generator{Trackers: []string{"http://t.example/announce"}}, 4)
	sink.Publish(events.New(events.QueueEmpty{}))
	sink.Publish(events.New(events.DownloadFinished{Path: src, Target: events.Target{Filename: "done.bin"}}))
	sink.Close()
	sink.Close()
	sink.Publish(events.New(events.DownloadFinished{Path: src}))

	if _, err := os.Stat(src + ".torrent"); err != nil {
		t.Errorf("torrent not written: %v", err)
	}
}
