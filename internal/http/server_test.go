package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amps-project/amps/internal/config"
	"github.com/amps-project/amps/internal/ffmpeg"
	"github.com/amps-project/amps/internal/manifest"
	"github.com/amps-project/amps/internal/registry"
	"github.com/amps-project/amps/internal/transcoder"
)

// fakeChild stands in for a transcoder process so the full router can be
// exercised without ffmpeg.
type fakeChild struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	pid  int
	plan *ffmpeg.Plan

	once    sync.Once
	exited  chan struct{}
	waitErr error
}

func newFakeChild(pid int, plan *ffmpeg.Plan) *fakeChild {
	pr, pw := io.Pipe()
	return &fakeChild{pr: pr, pw: pw, pid: pid, plan: plan, exited: make(chan struct{})}
}

func (c *fakeChild) Start() error          { return nil }
func (c *fakeChild) Stdout() io.ReadCloser { return c.pr }
func (c *fakeChild) PID() int              { return c.pid }
func (c *fakeChild) String() string        { return fmt.Sprintf("fake[%d]", c.pid) }
func (c *fakeChild) StderrTail() []string  { return nil }
func (c *fakeChild) Terminate() error      { c.exit(nil); return nil }
func (c *fakeChild) Kill() error           { c.exit(errors.New("killed")); return nil }
func (c *fakeChild) Wait() error           { <-c.exited; return c.waitErr }
func (c *fakeChild) feed(b []byte)         { _, _ = c.pw.Write(b) }

func (c *fakeChild) exit(err error) {
	c.once.Do(func() {
		c.waitErr = err
		_ = c.pw.Close()
		close(c.exited)
	})
}

type childSource struct {
	mu      sync.Mutex
	next    int
	spawned chan *fakeChild
}

func newChildSource() *childSource {
	return &childSource{spawned: make(chan *fakeChild, 16)}
}

func (cs *childSource) factory(plan *ffmpeg.Plan, _ *slog.Logger) transcoder.Child {
	cs.mu.Lock()
	cs.next++
	c := newFakeChild(cs.next, plan)
	cs.mu.Unlock()
	cs.spawned <- c
	return c
}

func (cs *childSource) take(t *testing.T) *fakeChild {
	t.Helper()
	select {
	case c := <-cs.spawned:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no child spawned")
		return nil
	}
}

type testEnv struct {
	server *Server
	reg    *registry.Registry
	mgr    *transcoder.Manager
	tc     *config.TranscoderConfig
	source *childSource

	stopRequested chan struct{}
}

func newTestEnv(t *testing.T, token string) *testEnv {
	t.Helper()

	profiles := map[string]*config.Profile{
		"copy": {Options: []config.ProfileOption{{Key: "c", Value: "copy"}}},
		"web":  {OutputFormat: config.FormatHLS},
	}
	reg := registry.New(profiles).WithLogger(testLogger())

	tc := &config.TranscoderConfig{
		FFmpegPath:        "ffmpeg",
		MediaRoot:         t.TempDir(),
		ChunkSize:         config.ByteSize(8),
		RingSize:          config.ByteSize(1024),
		SubscriberQueue:   8,
		SubscriberTimeout: 200 * time.Millisecond,
		IdleTimeout:       time.Minute,
		ReapInterval:      25 * time.Millisecond,
		SpawnGrace:        20 * time.Millisecond,
		StopGrace:         200 * time.Millisecond,
		ShutdownGrace:     2 * time.Second,
		RestartMax:        2,
		RestartWindow:     time.Minute,
		ManifestTimeout:   2 * time.Second,
		HLSSegmentSecs:    4,
		RTSPBase:          "rtsp://127.0.0.1:8554",
	}

	source := newChildSource()
	mgr := transcoder.NewManager(tc, reg,
		transcoder.WithChildFactory(source.factory),
		transcoder.WithLogger(testLogger()))
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	reg.SetCascader(mgr)

	env := &testEnv{
		reg:           reg,
		mgr:           mgr,
		tc:            tc,
		source:        source,
		stopRequested: make(chan struct{}, 1),
	}

	cfg := &config.ServerConfig{
		Host:              "127.0.0.1",
		Port:              8080,
		ReadHeaderTimeout: time.Second,
		ShutdownTimeout:   time.Second,
		Token:             token,
	}
	env.server = NewServer(cfg, reg, mgr, manifest.NewServer(mgr, tc),
		WithLogger(testLogger()),
		WithShutdownSignal(func() { env.stopRequested <- struct{}{} }))
	return env
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (e *testEnv) addChannel(t *testing.T, ch *config.Channel) {
	t.Helper()
	require.NoError(t, e.reg.Add(ch, registry.OriginFile))
}

func newsChannel() *config.Channel {
	return &config.Channel{
		ID:      1,
		Name:    "News 24",
		Source:  "http://upstream/news.ts",
		Profile: "copy",
		Group:   "news",
		Logo:    "http://img/news.png",
	}
}

func (e *testEnv) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(buf)
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestPlaylistRendering(t *testing.T) {
	env := newTestEnv(t, "")
	env.addChannel(t, newsChannel())

	w := env.do(t, http.MethodGet, "/playlist.m3u", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.True(t, strings.HasPrefix(body, "#EXTM3U\n"))
	assert.Contains(t, body, `tvg-name="News 24"`)
	assert.Contains(t, body, "http://example.com/stream/1\n")
}

func TestPlaylistFilters(t *testing.T) {
	env := newTestEnv(t, "")
	env.addChannel(t, newsChannel())
	sports := newsChannel()
	sports.ID = 2
	sports.Name = "Sports One"
	sports.Group = "sports"
	env.addChannel(t, sports)

	w := env.do(t, http.MethodGet, "/playlist.m3u?group=sports", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Sports One")
	assert.NotContains(t, w.Body.String(), "News 24")

	w = env.do(t, http.MethodGet, "/playlist.m3u?ids=1", nil)
	assert.Contains(t, w.Body.String(), "News 24")
	assert.NotContains(t, w.Body.String(), "Sports One")

	w = env.do(t, http.MethodGet, "/playlist.m3u?ids=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTokenAuth(t *testing.T) {
	env := newTestEnv(t, "s3cret")
	env.addChannel(t, newsChannel())

	w := env.do(t, http.MethodGet, "/playlist.m3u", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"error"`)

	w = env.do(t, http.MethodGet, "/playlist.m3u?token=s3cret", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	// The token round-trips into the rendered stream URLs.
	assert.Contains(t, w.Body.String(), "token=s3cret")

	req := httptest.NewRequest(http.MethodGet, "/api/streams", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/streams", nil)
	req.Header.Set("X-Amps-Token", "wrong")
	rec = httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Metrics stays open for probes.
	w = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStreamDelivery(t *testing.T) {
	env := newTestEnv(t, "")
	env.addChannel(t, newsChannel())

	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))

	child := env.source.take(t)
	child.feed([]byte("tsbytes!"))

	buf := make([]byte, 8)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("tsbytes!"), buf)
}

func TestStreamHeadersArriveBeforeFirstChunk(t *testing.T) {
	env := newTestEnv(t, "")
	env.addChannel(t, newsChannel())

	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	// The source produces nothing; the response line and headers must
	// still reach the client immediately.
	type result struct {
		resp *http.Response
		err  error
	}
	got := make(chan result, 1)
	go func() {
		resp, err := http.Get(ts.URL + "/stream/1")
		got <- result{resp, err}
	}()

	select {
	case res := <-got:
		require.NoError(t, res.err)
		defer res.resp.Body.Close()
		assert.Equal(t, http.StatusOK, res.resp.StatusCode)
		assert.Equal(t, "video/mp2t", res.resp.Header.Get("Content-Type"))
	case <-time.After(2 * time.Second):
		t.Fatal("response headers did not arrive while the stream was idle")
	}
}

func TestStreamErrors(t *testing.T) {
	env := newTestEnv(t, "")
	env.addChannel(t, newsChannel())

	w := env.do(t, http.MethodGet, "/stream/99", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/stream/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/stream/1?variant=nope", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStreamRegionCheck(t *testing.T) {
	env := newTestEnv(t, "")
	ch := newsChannel()
	ch.RegionsBlocked = []string{"GB"}
	env.addChannel(t, ch)

	req := httptest.NewRequest(http.MethodGet, "/stream/1", nil)
	req.Header.Set("X-Amps-Region", "gb")
	w := httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w2 := env.do(t, http.MethodGet, "/stream/1?region=GB", nil)
	assert.Equal(t, http.StatusForbidden, w2.Code)

	// A blocked region also drops the channel from the playlist.
	req = httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil)
	req.Header.Set("CF-IPCountry", "GB")
	w = httptest.NewRecorder()
	env.server.Router().ServeHTTP(w, req)
	assert.NotContains(t, w.Body.String(), "News 24")
}

func TestAudioRouteForcesAudioPipeline(t *testing.T) {
	env := newTestEnv(t, "")
	env.addChannel(t, newsChannel())

	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/audio/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/aac", resp.Header.Get("Content-Type"))

	child := env.source.take(t)
	assert.Contains(t, child.plan.Argv, "-vn")
	assert.Contains(t, child.plan.Argv, "adts")
}

func TestOverlapLaunchesPrivateChild(t *testing.T) {
	env := newTestEnv(t, "")
	env.addChannel(t, newsChannel())

	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	first, err := http.Get(ts.URL + "/stream/1")
	require.NoError(t, err)
	defer first.Body.Close()
	env.source.take(t)

	second, err := http.Get(ts.URL + "/stream/1?overlap=true")
	require.NoError(t, err)
	env.source.take(t) // a second child proves no sharing

	assert.Len(t, env.mgr.Snapshot(), 2)

	// Dropping the overlap client terminates its private child.
	second.Body.Close()
	assert.Eventually(t, func() bool {
		return len(env.mgr.Snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStreamRedirectsSegmentedChannels(t *testing.T) {
	env := newTestEnv(t, "")
	ch := newsChannel()
	ch.ID = 2
	ch.Profile = "web"
	ch.OutputFormat = config.FormatHLS
	env.addChannel(t, ch)

	w := env.do(t, http.MethodGet, "/stream/2?token=x", nil)
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/hls/2/index.m3u8?token=x", w.Header().Get("Location"))
}

func TestHLSServing(t *testing.T) {
	env := newTestEnv(t, "")
	ch := newsChannel()
	ch.ID = 2
	ch.Profile = "web"
	ch.OutputFormat = config.FormatHLS
	env.addChannel(t, ch)

	dir := filepath.Join(env.tc.MediaPath(), "ch2_default_hls")
	go func() {
		// Play the child's part: wait for its directory, then write a
		// playable manifest and one segment.
		for i := 0; i < 100; i++ {
			if _, err := os.Stat(dir); err == nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		_ = os.WriteFile(filepath.Join(dir, "seg0.ts"), []byte("segment"), 0o644)
		_ = os.WriteFile(filepath.Join(dir, "index.m3u8"), []byte(
			"#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n#EXTINF:4.000000,\nseg0.ts\n"), 0o644)
	}()

	w := env.do(t, http.MethodGet, "/hls/2/index.m3u8", nil)
	require.Equal(t, http.StatusOK, w.Code)
	env.source.take(t)
	assert.Equal(t, "application/vnd.apple.mpegurl", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "seg0.ts")

	w = env.do(t, http.MethodGet, "/hls/2/seg0.ts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video/mp2t", w.Header().Get("Content-Type"))

	w = env.do(t, http.MethodGet, "/hls/2/missing.ts", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Traversal attempts look like missing files.
	req := httptest.NewRequest(http.MethodGet, "/hls/2/"+"..%2fsecret", nil)
	rec := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// The manifest appears in the tuners view with its segment count.
	w = env.do(t, http.MethodGet, "/api/tuners", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tuners := decodeBody[[]map[string]any](t, w)
	require.Len(t, tuners, 1)
	assert.Equal(t, "hls", tuners[0]["shape"])
	require.Contains(t, tuners[0], "manifest")
}

func TestStreamCRUD(t *testing.T) {
	env := newTestEnv(t, "")
	env.addChannel(t, newsChannel())

	// Create with auto-assigned id.
	w := env.do(t, http.MethodPost, "/api/streams", map[string]any{
		"name":           "Movies",
		"source":         "http://upstream/movies.ts",
		"ffmpeg_profile": "copy",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeBody[map[string]any](t, w)
	assert.Equal(t, float64(2), created["id"])

	// Create with a taken id conflicts.
	w = env.do(t, http.MethodPost, "/api/streams", map[string]any{
		"id":             1,
		"name":           "Clash",
		"source":         "http://upstream/clash.ts",
		"ffmpeg_profile": "copy",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Missing required fields.
	w = env.do(t, http.MethodPost, "/api/streams", map[string]any{
		"source": "http://upstream/x.ts",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Unknown profile.
	w = env.do(t, http.MethodPost, "/api/streams", map[string]any{
		"name":           "Bad",
		"source":         "http://upstream/x.ts",
		"ffmpeg_profile": "missing",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/api/streams", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]map[string]any](t, w), 2)

	w = env.do(t, http.MethodGet, "/api/streams/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "News 24", decodeBody[map[string]any](t, w)["name"])

	w = env.do(t, http.MethodDelete, "/api/streams/2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	deleted := decodeBody[map[string]any](t, w)
	assert.Equal(t, "stream deleted", deleted["message"])

	w = env.do(t, http.MethodGet, "/api/streams/2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStreamPartialUpdate(t *testing.T) {
	env := newTestEnv(t, "")
	ch := newsChannel()
	ch.Description = "round the clock"
	env.addChannel(t, ch)

	// A patch touches only the named fields.
	w := env.do(t, http.MethodPut, "/api/streams/1", map[string]any{
		"name": "News 24 HD",
	})
	require.Equal(t, http.StatusOK, w.Code)
	updated := decodeBody[map[string]any](t, w)
	assert.Equal(t, "News 24 HD", updated["name"])
	assert.Equal(t, "http://upstream/news.ts", updated["source"])
	assert.Equal(t, "round the clock", updated["description"])

	// Explicit null removes an optional field.
	w = env.do(t, http.MethodPut, "/api/streams/1", map[string]any{
		"description": nil,
	})
	require.Equal(t, http.StatusOK, w.Code)
	updated = decodeBody[map[string]any](t, w)
	assert.NotContains(t, updated, "description")

	// Unknown keys are preserved as opaque metadata.
	w = env.do(t, http.MethodPut, "/api/streams/1", map[string]any{
		"curator": "alex",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alex", decodeBody[map[string]any](t, w)["curator"])

	// Removing a required field fails validation.
	w = env.do(t, http.MethodPut, "/api/streams/1", map[string]any{
		"source": nil,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPut, "/api/streams/99", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateStopsLiveRecordOnSourceChange(t *testing.T) {
	env := newTestEnv(t, "")
	env.addChannel(t, newsChannel())

	ts := httptest.NewServer(env.server.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stream/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	env.source.take(t)
	require.Len(t, env.mgr.Snapshot(), 1)

	w := env.do(t, http.MethodPut, "/api/streams/1", map[string]any{
		"source": "http://upstream/news-v2.ts",
	})
	require.Equal(t, http.StatusOK, w.Code)

	assert.Eventually(t, func() bool {
		return len(env.mgr.Snapshot()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPrograms(t *testing.T) {
	env := newTestEnv(t, "")
	env.addChannel(t, newsChannel())

	w := env.do(t, http.MethodGet, "/api/streams/1/programs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]\n", w.Body.String())

	programs := []map[string]any{
		{"title": "Morning Show", "start": "2026-03-01T08:00:00Z"},
		{"title": "Lunch News"},
	}
	w = env.do(t, http.MethodPut, "/api/streams/1/programs", programs)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/api/streams/1/programs", nil)
	got := decodeBody[[]map[string]any](t, w)
	require.Len(t, got, 2)
	assert.Equal(t, "Morning Show", got[0]["title"])

	// Programs without a title are rejected.
	w = env.do(t, http.MethodPut, "/api/streams/1/programs", []map[string]any{
		{"description": "no title"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEPGEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	ch := newsChannel()
	ch.EpgID = "news.example"
	ch.Programs = []*config.Program{
		{Title: "Evening News", Start: "2026-03-01T18:00:00Z", End: "2026-03-01T19:00:00Z"},
	}
	env.addChannel(t, ch)

	w := env.do(t, http.MethodGet, "/epg.xml", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/xml")
	assert.Contains(t, w.Body.String(), `channel id="news.example"`)
	assert.Contains(t, w.Body.String(), "20260301180000 +0000")

	w = env.do(t, http.MethodGet, "/api/epg", nil)
	require.Equal(t, http.StatusOK, w.Code)
	guide := decodeBody[[]map[string]any](t, w)
	require.Len(t, guide, 1)
	assert.Equal(t, "news.example", guide[0]["epg_id"])
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, "")
	env.addChannel(t, newsChannel())

	w := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody[map[string]any](t, w)
	assert.Equal(t, float64(1), body["stream_count"])
	assert.Contains(t, body, "uptime_seconds")
	assert.Contains(t, body, "active_transcoders")
}

func TestShutdownEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(t, http.MethodPost, "/api/shutdown", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	select {
	case <-env.stopRequested:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown signal never fired")
	}
}
