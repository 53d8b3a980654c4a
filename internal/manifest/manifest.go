// Package manifest serves segmented transcoder output over HTTP. A
// manifest request launches the stream on demand and blocks until the
// child has produced a playable playlist; segment requests serve
// straight from the per-stream directory.
package manifest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/amps-project/amps/internal/amperr"
	"github.com/amps-project/amps/internal/config"
	"github.com/amps-project/amps/internal/transcoder"
)

// pollInterval is how often readiness re-checks the manifest on disk.
const pollInterval = 100 * time.Millisecond

var contentTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".mpd":  "application/dash+xml",
	".ts":   "video/mp2t",
	".mp4":  "video/mp4",
	".m4s":  "video/iso.segment",
	".vtt":  "text/vtt",
	".aac":  "audio/aac",
}

// Streams is the manager surface the server needs.
type Streams interface {
	Ensure(ctx context.Context, key transcoder.Key) (*transcoder.Record, error)
}

// Server maps segmented stream requests onto per-stream directories.
type Server struct {
	streams Streams
	timeout time.Duration
}

// NewServer wires the segment server to the transcoder manager.
func NewServer(streams Streams, cfg *config.TranscoderConfig) *Server {
	return &Server{streams: streams, timeout: cfg.ManifestTimeout}
}

// ServeFile handles one request for name inside the stream keyed by
// key. An empty name means the manifest itself. Traversal attempts are
// indistinguishable from missing files.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request, key transcoder.Key, name string) error {
	rec, err := s.streams.Ensure(r.Context(), key)
	if err != nil {
		return err
	}
	rec.Touch()

	manifestName := filepath.Base(rec.Manifest())
	if name == "" {
		name = manifestName
	}
	full, ok := securePath(rec.Dir(), name)
	if !ok {
		return amperr.Errorf(amperr.NotFound, "no such file %q", name)
	}

	if name == manifestName {
		if err := s.waitPlayable(r.Context(), rec); err != nil {
			return err
		}
	} else if _, err := os.Stat(full); err != nil {
		return amperr.Errorf(amperr.NotFound, "no such file %q", name)
	}

	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, full)
	return nil
}

// waitPlayable blocks until the record's manifest references playable
// media, bounded by the configured timeout.
func (s *Server) waitPlayable(ctx context.Context, rec *transcoder.Record) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := playable(rec.Manifest())
		if err == nil && ok {
			return nil
		}
		select {
		case <-rec.Done():
			return amperr.New(amperr.Unavailable,
				fmt.Errorf("stream %s ended before producing a manifest", rec.Key))
		case <-ctx.Done():
			return amperr.New(amperr.Unavailable,
				fmt.Errorf("stream %s produced no playable manifest within %s", rec.Key, s.timeout))
		case <-ticker.C:
		}
	}
}

// playable reports whether the manifest on disk references media. HLS
// playlists are parsed and must carry at least one segment; a DASH
// manifest only needs to exist with content.
func playable(manifestPath string) (bool, error) {
	buf, err := os.ReadFile(manifestPath)
	if err != nil {
		return false, err
	}
	if len(buf) == 0 {
		return false, nil
	}
	if filepath.Ext(manifestPath) != ".m3u8" {
		return true, nil
	}
	pl, err := playlist.Unmarshal(buf)
	if err != nil {
		// Partially written playlist; try again on the next poll.
		return false, nil
	}
	switch p := pl.(type) {
	case *playlist.Media:
		return len(p.Segments) > 0, nil
	case *playlist.Multivariant:
		return len(p.Variants) > 0, nil
	default:
		return false, nil
	}
}

// Stats summarises a live HLS manifest for the tuners API.
type Stats struct {
	Segments       int `json:"segments"`
	TargetDuration int `json:"target_duration,omitempty"`
}

// SegmentStats parses the manifest at path and reports its segment
// count. DASH manifests and unreadable or partially-written playlists
// yield nil.
func SegmentStats(path string) *Stats {
	if filepath.Ext(path) != ".m3u8" {
		return nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	pl, err := playlist.Unmarshal(buf)
	if err != nil {
		return nil
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil
	}
	return &Stats{
		Segments:       len(media.Segments),
		TargetDuration: media.TargetDuration,
	}
}

// securePath resolves name inside root, refusing anything that would
// escape it.
func securePath(root, name string) (string, bool) {
	if root == "" || name == "" || strings.Contains(name, "\x00") {
		return "", false
	}
	if path.IsAbs(name) || filepath.IsAbs(name) {
		return "", false
	}
	clean := filepath.ToSlash(filepath.Clean(name))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return filepath.Join(root, filepath.FromSlash(clean)), true
}
