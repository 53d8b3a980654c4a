package middleware

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// compressibleTypes are the response content types worth compressing.
// Media payloads (MPEG-TS, AAC, segments) are already compressed and
// must not be buffered, so they are deliberately absent.
var compressibleTypes = []string{
	"application/json",
	"application/xml",
	"text/plain",
	"text/html",
	"application/vnd.apple.mpegurl",
	"application/dash+xml",
}

// mediaPrefixes are the streaming routes compression must never touch:
// their responses are flushed chunk by chunk and a compressing writer
// would sit between the producer and the player.
var mediaPrefixes = []string{"/stream/", "/audio/", "/hls/", "/dash/"}

// Compression returns a content-encoding middleware negotiating brotli
// or gzip for API and playlist responses while passing media byte
// streams through untouched.
func Compression(level int) func(http.Handler) http.Handler {
	compressor := chimiddleware.NewCompressor(level, compressibleTypes...)
	compressor.SetEncoder("br", func(w io.Writer, level int) io.Writer {
		return brotli.NewWriterLevel(w, level)
	})
	compressed := compressor.Handler

	return func(next http.Handler) http.Handler {
		wrapped := compressed(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, prefix := range mediaPrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}
			wrapped.ServeHTTP(w, r)
		})
	}
}
