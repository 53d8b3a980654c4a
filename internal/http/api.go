package http

import (
	"encoding/json"
	"net/http"
	"reflect"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/amps-project/amps/internal/amperr"
	"github.com/amps-project/amps/internal/config"
	"github.com/amps-project/amps/internal/ffmpeg"
	"github.com/amps-project/amps/internal/manifest"
	"github.com/amps-project/amps/internal/registry"
	"github.com/amps-project/amps/internal/transcoder"
)

// createRetries bounds the id re-pick loop on concurrent creates.
const createRetries = 3

func (s *Server) channelID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		return 0, amperr.Errorf(amperr.BadRequest, "invalid channel id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

// handleListStreams returns every configured channel, sorted by id.
func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

// handleGetStream returns one channel.
func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	id, err := s.channelID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ch, err := s.registry.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// handleCreateStream adds a channel. The id is assigned automatically
// when the body omits it; a supplied id that is already taken conflicts.
func (s *Server) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var raw map[string]json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := json.Marshal(raw)
	if err != nil {
		s.writeError(w, r, amperr.New(amperr.BadRequest, err))
		return
	}
	var ch config.Channel
	if err := json.Unmarshal(body, &ch); err != nil {
		s.writeError(w, r, amperr.Errorf(amperr.BadRequest, "decoding channel: %w", err))
		return
	}

	idValue, idSupplied := raw["id"]
	autoID := !idSupplied || string(idValue) == "null"

	for attempt := 0; ; attempt++ {
		if autoID {
			ch.ID = s.registry.NextID()
		}
		err = s.registry.Add(&ch, registry.OriginAPI)
		if err == nil {
			break
		}
		// A concurrent create can claim the auto-picked id first.
		if autoID && amperr.IsKind(err, amperr.Conflict) && attempt < createRetries {
			continue
		}
		s.writeError(w, r, err)
		return
	}

	created, err := s.registry.Get(ch.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleUpdateStream applies a partial update. An explicit JSON null
// removes an optional structured field; unknown keys are stored as
// opaque metadata. The id itself is immutable and ignored in the body.
// Live records are stopped when the update changes what their child was
// launched with.
func (s *Server) handleUpdateStream(w http.ResponseWriter, r *http.Request) {
	id, err := s.channelID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	existing, err := s.registry.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var patch map[string]json.RawMessage
	if err := decodeJSON(r, &patch); err != nil {
		s.writeError(w, r, err)
		return
	}

	merged, err := mergeChannel(existing, patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	merged.ID = id

	if err := s.registry.Replace(id, merged); err != nil {
		s.writeError(w, r, err)
		return
	}

	if launchInputsChanged(existing, merged) {
		s.streams.StopChannel(id)
	}

	updated, err := s.registry.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// mergeChannel overlays a JSON patch onto the channel's JSON form and
// decodes the result back into a structured channel.
func mergeChannel(existing *config.Channel, patch map[string]json.RawMessage) (*config.Channel, error) {
	base, err := json.Marshal(existing)
	if err != nil {
		return nil, err
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(base, &doc); err != nil {
		return nil, err
	}

	for key, value := range patch {
		if key == "id" {
			continue
		}
		if string(value) == "null" && config.IsKnownChannelKey(key) {
			delete(doc, key)
			continue
		}
		doc[key] = value
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var merged config.Channel
	if err := json.Unmarshal(body, &merged); err != nil {
		return nil, amperr.Errorf(amperr.BadRequest, "decoding channel: %w", err)
	}
	return &merged, nil
}

// launchInputsChanged reports whether the update alters what a running
// child was started with, mirroring the config reload semantics.
func launchInputsChanged(old, repl *config.Channel) bool {
	return old.Source != repl.Source ||
		old.Profile != repl.Profile ||
		!reflect.DeepEqual(old.Custom, repl.Custom)
}

// handleDeleteStream removes a channel, cascading into its live records.
func (s *Server) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	id, err := s.channelID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ch, err := s.registry.Delete(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "stream deleted",
		"stream":  ch,
	})
}

// handleGetPrograms returns the channel's upcoming programme list.
func (s *Server) handleGetPrograms(w http.ResponseWriter, r *http.Request) {
	id, err := s.channelID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	programs, err := s.registry.Programs(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if programs == nil {
		programs = []*config.Program{}
	}
	writeJSON(w, http.StatusOK, programs)
}

// handlePutPrograms replaces the programme list, preserving order.
func (s *Server) handlePutPrograms(w http.ResponseWriter, r *http.Request) {
	id, err := s.channelID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var programs []*config.Program
	if err := decodeJSON(r, &programs); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.registry.ReplacePrograms(id, programs); err != nil {
		s.writeError(w, r, err)
		return
	}
	if programs == nil {
		programs = []*config.Program{}
	}
	writeJSON(w, http.StatusOK, programs)
}

// tunerInfo is one live record plus manifest detail for segmented
// shapes.
type tunerInfo struct {
	transcoder.Status
	Manifest *manifest.Stats `json:"manifest,omitempty"`
}

// handleTuners lists every live transcoder record.
func (s *Server) handleTuners(w http.ResponseWriter, r *http.Request) {
	statuses := s.streams.Snapshot()
	tuners := make([]tunerInfo, 0, len(statuses))
	for _, st := range statuses {
		info := tunerInfo{Status: st}
		key := transcoder.Key{Channel: st.Channel, Variant: st.Variant, Shape: st.Shape, Overlap: st.Overlap}
		if rec, ok := s.streams.Lookup(key); ok && rec.Manifest() != "" {
			info.Manifest = manifest.SegmentStats(rec.Manifest())
		}
		tuners = append(tuners, info)
	}
	writeJSON(w, http.StatusOK, tuners)
}

// handleShutdown asks the process to stop. The response is sent before
// shutdown begins so the caller learns it was accepted.
func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]string{"message": "shutting down"})
	go s.requestStop()
}

// metricsBody is the /metrics response shape.
type metricsBody struct {
	UptimeSeconds     float64 `json:"uptime_seconds"`
	StreamCount       int     `json:"stream_count"`
	ActiveTranscoders int     `json:"active_transcoders"`
	TotalRestarts     int     `json:"total_restarts"`
	ActiveSubscribers int     `json:"active_subscribers"`
	CPUPercent        float64 `json:"cpu_percent"`
	RSSBytes          uint64  `json:"rss_bytes"`
}

// handleMetrics reports coarse process health. The route is reachable
// without a token so probes stay simple.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	body := metricsBody{
		UptimeSeconds: time.Since(s.started).Seconds(),
		StreamCount:   s.registry.Len(),
	}
	body.TotalRestarts = int(s.streams.TotalRestarts())
	for _, st := range s.streams.Snapshot() {
		body.ActiveTranscoders++
		body.ActiveSubscribers += st.Subscribers
	}
	if stats, err := ffmpeg.SelfStats(r.Context()); err == nil {
		body.CPUPercent = stats.CPUPercent
		body.RSSBytes = stats.RSSBytes
	}
	writeJSON(w, http.StatusOK, body)
}
