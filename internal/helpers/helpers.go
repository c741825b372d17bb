package helpers

import (
	"fmt"
	"io"
	"math"
	"os"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"
)

// CounterWriter wraps an io.Writer and counts the bytes written through it.
type CounterWriter struct {
	Writer io.Writer
	Total  uint64
}

// Write implements io.Writer.
func (cw *CounterWriter) Write(p []byte) (int, error) {
	n, err := cw.Writer.Write(p)
	cw.Total += uint64(n)
	return n, err
}

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB", "PB"}

// BytesToSize renders a byte count using binary units, e.g. "1.50MB".
func BytesToSize(bytes uint64) string {
	if bytes == 0 {
		return "0B"
	}
	exp := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if exp >= len(sizeUnits) {
		exp = len(sizeUnits) - 1
	}
	value := float64(bytes) / math.Pow(1024, float64(exp))
	return fmt.Sprintf("%.2f%s", value, sizeUnits[exp])
}

// CheckAndMakeDir makes sure dir exists, creating it if needed.
func CheckAndMakeDir(dir string) bool {
	if err := os.MkdirAll(dir, 0750); err != nil {
		log.WithError(err).Errorf("Failed to create directory %s", dir)
		return false
	}
	return true
}

var unsafeSegmentChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]+`)

// SanitizeSegment turns a free-form tag into a single safe path segment.
// Case is preserved. An input that sanitises to nothing returns fallback.
func SanitizeSegment(s, fallback string) string {
	out := unsafeSegmentChars.ReplaceAllString(strings.TrimSpace(s), "_")
	out = strings.Trim(out, ". ")
	if out == "" {
		return fallback
	}
	return out
}

// StringSliceContains reports whether item is in slice, ignoring case.
func StringSliceContains(slice []string, item string) bool {
	for _, s := range slice {
		if strings.EqualFold(s, item) {
			return true
		}
	}
	return false
}
