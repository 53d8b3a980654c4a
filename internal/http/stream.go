package http

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/amps-project/amps/internal/amperr"
	"github.com/amps-project/amps/internal/config"
	"github.com/amps-project/amps/internal/region"
	"github.com/amps-project/amps/internal/transcoder"
)

// channelFromRequest resolves the {id} route parameter against the
// registry and applies the region gate shared by every playback route.
func (s *Server) channelFromRequest(r *http.Request) (*config.Channel, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		return nil, amperr.Errorf(amperr.BadRequest, "invalid channel id %q", chi.URLParam(r, "id"))
	}
	ch, err := s.registry.Get(id)
	if err != nil {
		return nil, err
	}

	viewer := region.Normalize(r.URL.Query().Get("region"))
	if viewer == "" {
		viewer = region.FromRequest(r)
	}
	if !ch.RegionPolicy().Permits(viewer) {
		return nil, amperr.Errorf(amperr.Forbidden, "channel %d is not available in your region", ch.ID)
	}
	return ch, nil
}

// renditionShape returns the output shape a rendition produces when no
// route forces one.
func renditionShape(rend *config.Rendition) string {
	if rend.AudioOnly {
		return config.FormatAudio
	}
	switch rend.OutputFormat {
	case "":
		return config.FormatTS
	case config.FormatHLS:
		if rend.LLHLS {
			return config.FormatLLHLS
		}
		return config.FormatHLS
	default:
		return rend.OutputFormat
	}
}

// handleStream serves the continuous byte stream for a channel. For
// channels declaring a segmented output the client is redirected to the
// matching manifest route instead.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.serveByteStream(w, r, "")
}

// handleAudio is /stream with the audio-only pipeline forced on,
// whatever the channel declares.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	s.serveByteStream(w, r, config.FormatAudio)
}

func (s *Server) serveByteStream(w http.ResponseWriter, r *http.Request, forceShape string) {
	ch, err := s.channelFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	variant := r.URL.Query().Get("variant")
	rend, err := ch.Rendition(variant)
	if err != nil {
		s.writeError(w, r, amperr.New(amperr.BadRequest, err))
		return
	}

	shape := forceShape
	if shape == "" {
		shape = renditionShape(rend)
	}
	switch shape {
	case config.FormatHLS, config.FormatLLHLS:
		s.redirectToManifest(w, r, ch.ID, "hls", "index.m3u8")
		return
	case config.FormatDASH:
		s.redirectToManifest(w, r, ch.ID, "dash", "manifest.mpd")
		return
	case config.FormatRTSP:
		s.writeError(w, r, amperr.Errorf(amperr.BadRequest,
			"channel %d publishes over RTSP, not HTTP", ch.ID))
		return
	}

	key := transcoder.Key{Channel: ch.ID, Variant: rend.Variant, Shape: shape}
	if overlap, _ := strconv.ParseBool(r.URL.Query().Get("overlap")); overlap {
		key.Overlap = transcoder.NewOverlapToken()
	}

	sub, err := s.streams.Subscribe(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	defer sub.Close()

	contentType := "video/mp2t"
	if shape == config.FormatAudio {
		contentType = "audio/aac"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	rc := http.NewResponseController(w)
	w.WriteHeader(http.StatusOK)
	// Push the header out before the first chunk so clients that wait
	// for the response line are not held hostage by a slow source.
	_ = rc.Flush()

	for {
		select {
		case chunk := <-sub.Chunks():
			if _, err := w.Write(chunk); err != nil {
				return
			}
			_ = rc.Flush()
		case <-sub.Done():
			return
		case <-r.Context().Done():
			return
		}
	}
}

// redirectToManifest sends segmented-output channels to their manifest
// route, preserving the playback query parameters.
func (s *Server) redirectToManifest(w http.ResponseWriter, r *http.Request, id int, kind, name string) {
	target := fmt.Sprintf("/%s/%d/%s", kind, id, name)
	q := url.Values{}
	for _, param := range []string{"variant", "token", "region"} {
		if v := r.URL.Query().Get(param); v != "" {
			q.Set(param, v)
		}
	}
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

// handleHLS serves files from an HLS record's directory, launching the
// producer on the first manifest request.
func (s *Server) handleHLS(w http.ResponseWriter, r *http.Request) {
	s.serveSegment(w, r, config.FormatHLS)
}

// handleDASH is the DASH counterpart of handleHLS.
func (s *Server) handleDASH(w http.ResponseWriter, r *http.Request) {
	s.serveSegment(w, r, config.FormatDASH)
}

func (s *Server) serveSegment(w http.ResponseWriter, r *http.Request, shape string) {
	ch, err := s.channelFromRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	variant := r.URL.Query().Get("variant")
	rend, err := ch.Rendition(variant)
	if err != nil {
		s.writeError(w, r, amperr.New(amperr.BadRequest, err))
		return
	}
	if shape == config.FormatHLS && rend.LLHLS {
		shape = config.FormatLLHLS
	}

	key := transcoder.Key{Channel: ch.ID, Variant: rend.Variant, Shape: shape}
	name := chi.URLParam(r, "*")
	if err := s.segments.ServeFile(w, r, key, name); err != nil {
		s.writeError(w, r, err)
	}
}
