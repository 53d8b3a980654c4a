// Package resolver performs pre-flight source resolution. Channels that
// point at sites rather than raw streams run yt-dlp once per launch to
// obtain the real media URL plus the transport hints it requires.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/amps-project/amps/internal/amperr"
	"github.com/amps-project/amps/internal/config"
	"github.com/amps-project/amps/internal/ffmpeg"
	"github.com/amps-project/amps/internal/observability"
)

// m3u8Whitelist is what FFmpeg needs to ingest resolved HLS sources.
const m3u8Whitelist = "file,http,https,tcp,tls,crypto"

// runFunc executes the resolver binary; swapped out in tests.
type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// YtDlp resolves sources through the yt-dlp binary.
type YtDlp struct {
	path    string
	timeout time.Duration
	logger  *slog.Logger
	run     runFunc
}

// New builds a resolver from configuration.
func New(cfg config.ResolverConfig, logger *slog.Logger) *YtDlp {
	if logger == nil {
		logger = slog.Default()
	}
	return &YtDlp{
		path:    cfg.Path,
		timeout: cfg.Timeout,
		logger:  observability.WithComponent(logger, "resolver"),
		run:     runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Resolve returns the launchable source for url. Sources without a
// handler pass through untouched; unknown handler types are rejected.
func (y *YtDlp) Resolve(ctx context.Context, url string, handler *config.SourceHandler) (ffmpeg.Source, error) {
	if handler == nil {
		return ffmpeg.Source{URL: url}, nil
	}
	if handler.Type != "yt_dlp" {
		return ffmpeg.Source{}, amperr.Errorf(amperr.BadRequest,
			"unknown source handler type %q", handler.Type)
	}

	ctx, cancel := context.WithTimeout(ctx, y.timeout)
	defer cancel()

	args := buildArgs(handler, url)
	start := time.Now()
	out, err := y.run(ctx, y.path, args...)
	if err != nil {
		return ffmpeg.Source{}, amperr.New(amperr.Unavailable, resolveError(url, err))
	}

	src, err := parseOutput(out)
	if err != nil {
		return ffmpeg.Source{}, amperr.New(amperr.Unavailable,
			fmt.Errorf("resolving %s: %w", url, err))
	}
	y.logger.Debug("source resolved",
		slog.String("url", url),
		slog.Duration("took", time.Since(start)))
	return src, nil
}

// buildArgs renders the yt-dlp invocation. Handler options become long
// flags in sorted order, after the fixed set so they can override it.
func buildArgs(handler *config.SourceHandler, url string) []string {
	args := []string{"-J", "--no-warnings", "--no-playlist"}
	if handler.Format != "" {
		args = append(args, "-f", handler.Format)
	}
	keys := make([]string, 0, len(handler.Options))
	for k := range handler.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		flag := "--" + strings.ReplaceAll(k, "_", "-")
		switch v := handler.Options[k].(type) {
		case nil:
			args = append(args, flag)
		case bool:
			if v {
				args = append(args, flag)
			}
		default:
			args = append(args, flag, fmt.Sprint(v))
		}
	}
	return append(args, url)
}

// mediaInfo is the subset of yt-dlp's JSON dump the launch path needs.
type mediaInfo struct {
	URL         string            `json:"url"`
	ManifestURL string            `json:"manifest_url"`
	Protocol    string            `json:"protocol"`
	HTTPHeaders map[string]string `json:"http_headers"`
	Entries     []*mediaInfo      `json:"entries"`
}

// parseOutput extracts the playable source from a yt-dlp JSON dump.
// Playlist dumps collapse to their first resolvable entry.
func parseOutput(out []byte) (ffmpeg.Source, error) {
	var info mediaInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return ffmpeg.Source{}, fmt.Errorf("parsing yt-dlp output: %w", err)
	}

	pick := &info
	if len(info.Entries) > 0 {
		pick = nil
		for _, e := range info.Entries {
			if e != nil {
				pick = e
				break
			}
		}
		if pick == nil {
			return ffmpeg.Source{}, errors.New("playlist has no resolvable entries")
		}
	}

	mediaURL := pick.URL
	if mediaURL == "" {
		mediaURL = pick.ManifestURL
	}
	if mediaURL == "" {
		return ffmpeg.Source{}, errors.New("no media url in yt-dlp output")
	}

	src := ffmpeg.Source{URL: mediaURL, Headers: pick.HTTPHeaders}
	if strings.HasPrefix(pick.Protocol, "m3u8") {
		src.ProtocolWhitelist = m3u8Whitelist
	}
	return src, nil
}

// resolveError folds yt-dlp's stderr into the returned error when the
// binary exits non-zero.
func resolveError(url string, err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		msg := strings.TrimSpace(string(exitErr.Stderr))
		if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
			msg = msg[i+1:]
		}
		return fmt.Errorf("resolving %s: %s", url, msg)
	}
	return fmt.Errorf("resolving %s: %w", url, err)
}
