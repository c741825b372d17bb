// Package verifier checks downloaded files against an expected content digest.
package verifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
	"time"

	"go-civitai-daemon/internal/events"
	"go-civitai-daemon/internal/models"
	"go-civitai-daemon/internal/progress"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

// BlockSize is the read size used while hashing.
const BlockSize = 1 << 20

var (
	ErrIntegrity          = errors.New("content digest mismatch")
	ErrUnsupportedDigest  = errors.New("unsupported digest algorithm")
	ErrVerifierFileSystem = errors.New("filesystem error during verification")
	ErrVerifyCancelled    = errors.New("verification cancelled")
)

// Controls lets the caller pause or cancel a running verification. Either
// function may be nil.
type Controls struct {
	Paused    func() bool
	Cancelled func() bool
}

// Verifier streams files through a digest and reports hash_progress events.
type Verifier struct {
	sink      events.Sink
	interval  time.Duration
	pausePoll time.Duration
}

// New creates a verifier. interval is the progress sampling interval.
func New(sink events.Sink, interval time.Duration) *Verifier {
	return &Verifier{sink: sink, interval: interval, pausePoll: 200 * time.Millisecond}
}

// NewHash returns a fresh hash for the named algorithm.
func NewHash(algo string) (hash.Hash, error) {
	switch strings.ToLower(algo) {
	case "", models.DigestSHA256:
		return sha256.New(), nil
	case models.DigestBLAKE3:
		return blake3.New(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDigest, algo)
	}
}

// Verify hashes the file at path and compares it with expected, ignoring case.
// It returns whether the digests match and the actual hex digest. err is only
// set when the file could not be read or the algorithm is unknown; a mismatch
// is reported as ok == false with a nil error.
func (v *Verifier) Verify(ctx context.Context, path string, target events.Target, algo, expected string, ctl Controls) (bool, string, error) {
	h, err := NewHash(algo)
	if err != nil {
		return false, "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return false, "", fmt.Errorf("%w: opening %s: %w", ErrVerifierFileSystem, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return false, "", fmt.Errorf("%w: stat %s: %w", ErrVerifierFileSystem, path, err)
	}
	total := info.Size()

	throttle := progress.NewThrottle(v.interval)
	buf := make([]byte, BlockSize)
	var processed int64

	for {
		if ctl.Cancelled != nil && ctl.Cancelled() {
			return false, "", ErrVerifyCancelled
		}
		for ctl.Paused != nil && ctl.Paused() {
			if ctl.Cancelled != nil && ctl.Cancelled() {
				return false, "", ErrVerifyCancelled
			}
			if ctx.Err() != nil {
				break
			}
			time.Sleep(v.pausePoll)
		}
		if err := ctx.Err(); err != nil {
			return false, "", fmt.Errorf("%w: %w", ErrVerifyCancelled, err)
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			processed += int64(n)
			if throttle.Allow(processed, total) {
				events.Emit(v.sink, events.HashProgress{
					Target:    target,
					Processed: processed,
					Total:     total,
					Percent:   progress.Percent(processed, total),
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return false, "", fmt.Errorf("%w: reading %s: %w", ErrVerifierFileSystem, path, readErr)
		}
	}

	if total == 0 {
		events.Emit(v.sink, events.HashProgress{Target: target, Percent: progress.Percent(1, 1)})
	}

	actual := hex.EncodeToString(h.Sum(nil))
	ok := strings.EqualFold(actual, strings.TrimSpace(expected))
	if !ok {
		log.Debugf("Digest mismatch for %s: expected %s, got %s", path, expected, actual)
	}
	return ok, actual, nil
}

// FileDigest returns the hex digest of a file without emitting events.
func FileDigest(path, algo string) (string, error) {
	h, err := NewHash(algo)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: opening %s: %w", ErrVerifierFileSystem, path, err)
	}
	defer f.Close()
	if _, err := io.CopyBuffer(h, f, make([]byte, BlockSize)); err != nil {
		return "", fmt.Errorf("%w: reading %s: %w", ErrVerifierFileSystem, path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
