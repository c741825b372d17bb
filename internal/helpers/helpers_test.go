package helpers

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestBytesToSize(t *testing.T) {
	tests := []struct {
		name     string
		expected string
		bytes    uint64
	}{
		{name: "zero bytes", bytes: 0, expected: "0B"},
		{name: "one byte", bytes: 1, expected: "1.00B"},
		{name: "kilobytes", bytes: 1024, expected: "1.00KB"},
		{name: "megabytes", bytes: 1024 * 1024, expected: "1.00MB"},
		{name: "gigabytes", bytes: 1024 * 1024 * 1024, expected: "1.00GB"},
		{name: "fractional megabytes", bytes: 1536 * 1024, expected: "1.50MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BytesToSize(tt.bytes)
			if got != tt.expected {
				t.Errorf("BytesToSize(%d) = %q, want %q", tt.bytes, got, tt.expected)
			}
		})
	}
}

func TestSanitizeSegment(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain", input: "LORA", expected: "LORA"},
		{name: "separator replaced", input: "a/b", expected: "a_b"},
		{name: "dots trimmed", input: "..", expected: "fallback"},
		{name: "empty", input: "   ", expected: "fallback"},
		{name: "windows chars", input: `x:y*z`, expected: "x_y_z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeSegment(tt.input, "fallback")
			if got != tt.expected {
				t.Errorf("SanitizeSegment(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestStringSliceContains(t *testing.T) {
	if !StringSliceContains([]string{"Apple", "Banana"}, "banana") {
		t.Error("expected case-insensitive match")
	}
	if StringSliceContains([]string{}, "anything") {
		t.Error("empty slice should not contain anything")
	}
}

func TestCheckAndMakeDir(t *testing.T) {
	tempDir := t.TempDir()
	nested := filepath.Join(tempDir, "nested", "path", "here")

	if !CheckAndMakeDir(nested) {
		t.Fatalf("CheckAndMakeDir(%q) = false, want true", nested)
	}
	if _, err := os.Stat(nested); err != nil {
		t.Errorf("directory %q was not created: %v", nested, err)
	}
	if !CheckAndMakeDir(nested) {
		t.Error("CheckAndMakeDir on existing directory should succeed")
	}
}

func TestCounterWriter(t *testing.T) {
	var buf bytes.Buffer
	cw := &CounterWriter{Writer: &buf}

	data := []byte("Hello, World!")
	n, err := cw.Write(data)
	if err != nil {
		t.Errorf("CounterWriter.Write() error = %v", err)
	}
	if n != len(data) {
		t.Errorf("CounterWriter.Write() wrote %d bytes, want %d", n, len(data))
	}

	moreData := []byte(" More data!")
	if _, err := cw.Write(moreData); err != nil {
		t.Errorf("CounterWriter.Write() second error = %v", err)
	}
	expectedTotal := uint64(len(data) + len(moreData))
	if cw.Total != expectedTotal {
		t.Errorf("CounterWriter.Total = %d, want %d", cw.Total, expectedTotal)
	}
	if buf.String() != "Hello, World! More data!" {
		t.Errorf("Buffer contents = %q", buf.String())
	}
}
