package transcoder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/amps-project/amps/internal/amperr"
	"github.com/amps-project/amps/internal/config"
	"github.com/amps-project/amps/internal/ffmpeg"
	"github.com/amps-project/amps/internal/observability"
)

// Catalog is the channel lookup streams launch from. The registry
// implements it.
type Catalog interface {
	Get(id int) (*config.Channel, error)
	Profile(name string) (*config.Profile, bool)
}

// Resolver turns a configured source into the URL the child consumes.
// Sources without a handler pass through unchanged.
type Resolver interface {
	Resolve(ctx context.Context, url string, handler *config.SourceHandler) (ffmpeg.Source, error)
}

// passthroughResolver is used when no resolver is wired; handlers that
// need one fail loudly instead of silently streaming the wrong URL.
type passthroughResolver struct{}

func (passthroughResolver) Resolve(_ context.Context, url string, handler *config.SourceHandler) (ffmpeg.Source, error) {
	if handler != nil {
		return ffmpeg.Source{}, fmt.Errorf("no resolver configured for source handler %q", handler.Type)
	}
	return ffmpeg.Source{URL: url}, nil
}

// ChildFactory builds the supervised process for a plan. Production
// wires ffmpeg.NewCommand; tests substitute fakes.
type ChildFactory func(plan *ffmpeg.Plan, logger *slog.Logger) Child

func defaultFactory(plan *ffmpeg.Plan, logger *slog.Logger) Child {
	return ffmpeg.NewCommand(plan, logger)
}

// Manager owns every live stream record. One record exists per shared
// key; private overlap keys always get their own.
type Manager struct {
	cfg      *config.TranscoderConfig
	catalog  Catalog
	resolver Resolver
	factory  ChildFactory
	logger   *slog.Logger

	mu      sync.Mutex
	records map[Key]*Record
	closed  bool

	// pastRestarts carries the respawn counts of records that have
	// already wound down, so reaping a stream does not erase its
	// restart history from the metrics.
	pastRestarts atomic.Int64

	launches singleflight.Group
	wg       sync.WaitGroup
	reapStop context.CancelFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithResolver wires the source resolver.
func WithResolver(r Resolver) Option { return func(m *Manager) { m.resolver = r } }

// WithChildFactory overrides how child processes are built.
func WithChildFactory(f ChildFactory) Option { return func(m *Manager) { m.factory = f } }

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

// NewManager builds a manager and starts its idle reaper.
func NewManager(cfg *config.TranscoderConfig, catalog Catalog, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		catalog:  catalog,
		resolver: passthroughResolver{},
		factory:  defaultFactory,
		logger:   slog.Default(),
		records:  make(map[Key]*Record),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = observability.WithComponent(m.logger, "transcoder")

	ctx, cancel := context.WithCancel(context.Background())
	m.reapStop = cancel
	m.wg.Add(1)
	go m.reapLoop(ctx)
	return m
}

// Subscribe attaches a consumer to the byte stream for key, launching
// the child if no record is live. Blocks until the stream is ready, the
// launch fails, or ctx expires.
func (m *Manager) Subscribe(ctx context.Context, key Key) (*Subscriber, error) {
	if !pipedShape(key.Shape) {
		return nil, amperr.New(amperr.BadRequest,
			fmt.Errorf("shape %q is not a byte stream", key.Shape))
	}
	for {
		rec, err := m.open(ctx, key)
		if err != nil {
			return nil, err
		}
		sub, err := rec.subscribe()
		if err == nil {
			return sub, nil
		}
		// The record wound down between open and subscribe. Wait for it
		// to finish unwinding so the next open launches a fresh child
		// instead of racing the same doomed record.
		select {
		case <-rec.Done():
		case <-ctx.Done():
			return nil, amperr.New(amperr.Unavailable, ctx.Err())
		}
	}
}

// Ensure launches the segmented stream for key if needed and returns
// its record. The caller serves files out of the record's directory.
func (m *Manager) Ensure(ctx context.Context, key Key) (*Record, error) {
	if pipedShape(key.Shape) {
		return nil, amperr.New(amperr.BadRequest,
			fmt.Errorf("shape %q does not produce segments", key.Shape))
	}
	rec, err := m.open(ctx, key)
	if err != nil {
		return nil, err
	}
	rec.Touch()
	return rec, nil
}

// open returns the live record for key, launching one under a per-key
// critical section when none exists.
func (m *Manager) open(ctx context.Context, key Key) (*Record, error) {
	v, err, _ := m.launches.Do(key.String(), func() (any, error) {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, amperr.New(amperr.Unavailable, errManagerClosed)
		}
		if rec, ok := m.records[key]; ok {
			m.mu.Unlock()
			return rec, nil
		}
		m.mu.Unlock()
		return m.launch(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	rec := v.(*Record)
	if err := rec.waitReady(ctx); err != nil {
		return nil, err
	}
	return rec, nil
}

// launch assembles a record for key and starts its supervision loop.
func (m *Manager) launch(ctx context.Context, key Key) (*Record, error) {
	ch, err := m.catalog.Get(key.Channel)
	if err != nil {
		return nil, err
	}
	rend, err := ch.Rendition(key.Variant)
	if err != nil {
		return nil, amperr.New(amperr.NotFound, err)
	}

	var profile *config.Profile
	if rend.ProfileName != "" {
		p, ok := m.catalog.Profile(rend.ProfileName)
		if !ok {
			return nil, amperr.New(amperr.BadRequest,
				fmt.Errorf("channel %d references unknown profile %q", key.Channel, rend.ProfileName))
		}
		profile = p
	}

	shape := key.Shape
	piped := pipedShape(shape)
	var dir, manifest string
	if segmentedShape(shape) {
		dir = filepath.Join(m.cfg.MediaPath(), key.DirName())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating stream directory: %w", err)
		}
		manifest = filepath.Join(dir, manifestName(shape))
	}

	rec := &Record{
		Key:         key,
		cfg:         m.cfg,
		logger:      m.logger,
		piped:       piped,
		noBootstrap: profile != nil && profile.NoBootstrap,
		dir:         dir,
		manifest:    manifest,
		subs:        make(map[string]*Subscriber),
		idleAt:      time.Now(),
		ring:        newChunkRing(int(m.cfg.RingSize)),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		ready:       make(chan struct{}),
		onExit:      m.remove,
	}
	rec.spawn = func(ctx context.Context) (Child, error) {
		src, err := m.resolver.Resolve(ctx, rend.Source, rend.SourceHandler)
		if err != nil {
			return nil, err
		}
		plan, err := ffmpeg.BuildPlan(rend, profile, m.cfg, src, shape, dir)
		if err != nil {
			return nil, err
		}
		return m.factory(plan, m.logger), nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if dir != "" {
			_ = os.RemoveAll(dir)
		}
		return nil, amperr.New(amperr.Unavailable, errManagerClosed)
	}
	m.records[key] = rec
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		// Supervision outlives the opener's request context.
		rec.run(context.Background())
	}()

	m.logger.Info("stream launching",
		slog.String("key", key.String()),
		slog.String("channel", ch.Name))
	return rec, nil
}

func (m *Manager) remove(rec *Record) {
	m.pastRestarts.Add(int64(rec.respawns()))
	m.mu.Lock()
	if cur, ok := m.records[rec.Key]; ok && cur == rec {
		delete(m.records, rec.Key)
	}
	m.mu.Unlock()
}

// TotalRestarts counts every respawn the manager has performed, live
// records and wound-down ones alike.
func (m *Manager) TotalRestarts() int64 {
	total := m.pastRestarts.Load()
	m.mu.Lock()
	for _, rec := range m.records {
		total += int64(rec.respawns())
	}
	m.mu.Unlock()
	return total
}

// Lookup returns the live record for key, if any.
func (m *Manager) Lookup(key Key) (*Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[key]
	return rec, ok
}

// Snapshot lists every live record, ordered by key.
func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	recs := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		if out[i].Variant != out[j].Variant {
			return out[i].Variant < out[j].Variant
		}
		return out[i].Shape < out[j].Shape
	})
	return out
}

// LiveDirs lists the output directories of live segmented records, so
// the media sweep can tell orphans from owned directories.
func (m *Manager) LiveDirs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dirs []string
	for _, rec := range m.records {
		if rec.Dir() != "" {
			dirs = append(dirs, rec.Dir())
		}
	}
	return dirs
}

// StopChannel stops every record for the given channel, private overlap
// streams included, and returns how many were stopped. Implements the
// registry's delete cascade.
func (m *Manager) StopChannel(id int) int {
	m.mu.Lock()
	var victims []*Record
	for key, rec := range m.records {
		if key.Channel == id {
			victims = append(victims, rec)
		}
	}
	m.mu.Unlock()

	for _, rec := range victims {
		rec.Stop()
	}
	return len(victims)
}

// StopAll stops every live record without shutting the manager down.
func (m *Manager) StopAll() int {
	m.mu.Lock()
	victims := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		victims = append(victims, rec)
	}
	m.mu.Unlock()

	for _, rec := range victims {
		rec.Stop()
	}
	return len(victims)
}

// Shutdown stops all records and waits for them to wind down, bounded
// by the configured shutdown grace or ctx, whichever ends first.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.reapStop()
	m.StopAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(m.cfg.ShutdownGrace)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("transcoder shutdown timed out after %s", m.cfg.ShutdownGrace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reapLoop periodically stops records that have outlived the idle
// timeout with no demand.
func (m *Manager) reapLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	m.mu.Lock()
	recs := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.Unlock()

	for _, rec := range recs {
		if idle := rec.IdleFor(); idle >= m.cfg.IdleTimeout {
			m.logger.Info("reaping idle stream",
				slog.String("key", rec.Key.String()),
				slog.Duration("idle", idle))
			rec.Stop()
		}
	}
}

func manifestName(shape string) string {
	if shape == config.FormatDASH {
		return "manifest.mpd"
	}
	return "index.m3u8"
}

func pipedShape(shape string) bool {
	switch shape {
	case config.FormatTS, config.FormatAudio, "":
		return true
	}
	return false
}

func segmentedShape(shape string) bool {
	switch shape {
	case config.FormatHLS, config.FormatLLHLS, config.FormatDASH:
		return true
	}
	return false
}
