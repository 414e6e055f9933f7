package engine

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/zeebo/blake3"
)

// Backend names the engine implementation a data directory was
// initialized with.
type Backend string

const (
	BackendNative      Backend = "native"
	BackendAlternative Backend = "alternative"
)

const markerFileName = "ENGINE"

// markerLine is "<backend> <blake3-hex-of-backend>\n", a minimal
// tamper-evidence format: a marker rewritten to name a different
// backend without also updating its digest is caught at load time.
func markerLine(b Backend) []byte {
	sum := blake3.Sum256([]byte(b))
	return []byte(fmt.Sprintf("%s %x\n", b, sum))
}

// WriteMarker persists which backend dir was initialized with, using
// an atomic rename so a crash mid-write cannot leave an ambiguous
// marker.
func WriteMarker(dir string, b Backend) error {
	path := filepath.Join(dir, markerFileName)
	return atomic.WriteFile(path, bytes.NewReader(markerLine(b)))
}

// CheckMarker reads the persisted marker, if any, and returns an error
// if it names a backend other than want. A missing marker is not an
// error: it means dir is being initialized for the first time, and
// the caller should write one after a successful Open.
func CheckMarker(dir string, want Backend) error {
	path := filepath.Join(dir, markerFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("engine: read marker: %w", err)
	}

	expected := markerLine(want)
	if !bytes.Equal(bytes.TrimSpace(data), bytes.TrimSpace(expected)) {
		return fmt.Errorf("engine: data directory %s was initialized with a different engine backend than %q", dir, want)
	}
	return nil
}
