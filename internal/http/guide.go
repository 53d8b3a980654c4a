package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/amps-project/amps/internal/epg"
	"github.com/amps-project/amps/internal/playlist"
	"github.com/amps-project/amps/internal/region"
)

// handlePlaylist renders the channel catalogue as an extended M3U
// playlist, honouring the region/group/ids/variants filters.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	viewer := region.Normalize(q.Get("region"))
	if viewer == "" {
		viewer = region.FromRequest(r)
	}

	opts := playlist.Options{
		BaseURL:  s.baseURL(r),
		Token:    s.cfg.Token,
		Region:   viewer,
		Variants: true,
	}
	if v := q.Get("variants"); v != "" {
		enabled, err := strconv.ParseBool(v)
		opts.Variants = err != nil || enabled
	}
	if v := q.Get("group"); v != "" {
		for _, g := range strings.Split(v, ",") {
			if g = strings.TrimSpace(g); g != "" {
				opts.Groups = append(opts.Groups, g)
			}
		}
	}
	if v := q.Get("ids"); v != "" {
		for _, raw := range strings.Split(v, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				s.writeError(w, r, badParam("ids", raw))
				return
			}
			opts.IDs = append(opts.IDs, id)
		}
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	if err := playlist.Render(w, s.registry.Snapshot(), opts); err != nil {
		s.logger.ErrorContext(r.Context(), "playlist render aborted", slog.Any("error", err))
	}
}

// handleEPGXML renders the XMLTV guide for every channel.
func (s *Server) handleEPGXML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	if err := epg.RenderXML(w, s.registry.Snapshot()); err != nil {
		s.logger.ErrorContext(r.Context(), "epg render aborted", slog.Any("error", err))
	}
}

// handleEPGJSON serves the JSON programme guide.
func (s *Server) handleEPGJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, epg.Guide(s.registry.Snapshot()))
}
