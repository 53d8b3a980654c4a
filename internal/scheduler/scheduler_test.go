package scheduler

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amps-project/amps/internal/config"
	"github.com/amps-project/amps/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func timePtr(t time.Time) *time.Time { return &t }

func testRegistry() *registry.Registry {
	return registry.New(map[string]*config.Profile{
		"copy": {Options: []config.ProfileOption{{Key: "c", Value: "copy"}}},
	})
}

func window(id int, name string, start, end *time.Time) config.ScheduledChannel {
	return config.ScheduledChannel{
		Channel:  config.Channel{ID: id, Name: name, Source: "http://src", Profile: "copy"},
		Schedule: config.Schedule{Start: start, End: end},
	}
}

func newTestScheduler(t *testing.T, reg *registry.Registry, scheduled []config.ScheduledChannel) *Scheduler {
	t.Helper()
	s := New(config.SchedulerConfig{Tick: time.Second}, reg, scheduled).WithLogger(discardLogger())
	return s
}

func TestOpenWindowActivatesAtBoot(t *testing.T) {
	reg := testRegistry()
	now := time.Now()
	s := newTestScheduler(t, reg, []config.ScheduledChannel{
		window(10, "Live Now", timePtr(now.Add(-time.Hour)), timePtr(now.Add(time.Hour))),
	})

	s.Reconcile()
	ch, err := reg.Get(10)
	require.NoError(t, err)
	assert.Equal(t, "Live Now", ch.Name)
}

func TestExpiredWindowNeverActivates(t *testing.T) {
	reg := testRegistry()
	now := time.Now()
	s := newTestScheduler(t, reg, []config.ScheduledChannel{
		window(10, "Over", timePtr(now.Add(-2*time.Hour)), timePtr(now.Add(-time.Hour))),
	})

	s.Reconcile()
	_, err := reg.Get(10)
	assert.Error(t, err)
}

func TestFutureWindowWaits(t *testing.T) {
	reg := testRegistry()
	start := time.Now().Add(time.Hour)
	s := newTestScheduler(t, reg, []config.ScheduledChannel{
		window(10, "Soon", timePtr(start), nil),
	})

	s.Reconcile()
	_, err := reg.Get(10)
	require.Error(t, err)

	// Move the clock past the window start.
	s.now = func() time.Time { return start.Add(time.Minute) }
	s.Reconcile()
	_, err = reg.Get(10)
	assert.NoError(t, err)
}

func TestWindowEndRetiresChannel(t *testing.T) {
	reg := testRegistry()
	stops := &stopRecorder{}
	reg.SetCascader(stops)
	now := time.Now()
	end := now.Add(time.Hour)
	s := newTestScheduler(t, reg, []config.ScheduledChannel{
		window(10, "Bounded", nil, timePtr(end)),
	})

	s.Reconcile()
	_, err := reg.Get(10)
	require.NoError(t, err)

	s.now = func() time.Time { return end.Add(time.Second) }
	s.Reconcile()
	_, err = reg.Get(10)
	assert.Error(t, err)
	assert.Equal(t, []int{10}, stops.stopped())
}

func TestCollisionWithExistingChannelSkips(t *testing.T) {
	reg := testRegistry()
	require.NoError(t, reg.Add(&config.Channel{ID: 10, Name: "Taken", Source: "s", Profile: "copy"}, registry.OriginFile))

	s := newTestScheduler(t, reg, []config.ScheduledChannel{
		window(10, "Clash", nil, nil),
	})
	s.Reconcile()

	ch, err := reg.Get(10)
	require.NoError(t, err)
	assert.Equal(t, "Taken", ch.Name)

	// The losing window must not retire the incumbent later.
	s.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	s.Reconcile()
	_, err = reg.Get(10)
	assert.NoError(t, err)
}

func TestReplaceRetiresVanishedWindows(t *testing.T) {
	reg := testRegistry()
	s := newTestScheduler(t, reg, []config.ScheduledChannel{
		window(10, "A", nil, nil),
		window(11, "B", nil, nil),
	})
	s.Reconcile()
	require.Equal(t, 2, reg.Len())

	s.Replace([]config.ScheduledChannel{window(11, "B", nil, nil)})
	_, err := reg.Get(10)
	assert.Error(t, err)
	_, err = reg.Get(11)
	assert.NoError(t, err)
}

func TestStartStop(t *testing.T) {
	reg := testRegistry()
	s := newTestScheduler(t, reg, []config.ScheduledChannel{
		window(10, "Now", nil, nil),
	})
	require.NoError(t, s.Start(t.Context()))
	assert.Error(t, s.Start(t.Context()))

	_, err := reg.Get(10)
	assert.NoError(t, err)
	s.Stop()
}

// stopRecorder matches the registry test double of the same name.
type stopRecorder struct {
	ids []int
}

func (r *stopRecorder) StopChannel(id int) int {
	r.ids = append(r.ids, id)
	return 1
}

func (r *stopRecorder) stopped() []int { return r.ids }

func TestJanitorSweepsOrphans(t *testing.T) {
	root := t.TempDir()
	owned := filepath.Join(root, "ch1_default_hls")
	orphan := filepath.Join(root, "ch9_default_dash")
	require.NoError(t, os.MkdirAll(owned, 0o755))
	require.NoError(t, os.MkdirAll(orphan, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0o644))

	tc := &config.TranscoderConfig{MediaRoot: root}
	j, err := NewJanitor(config.MaintenanceConfig{SweepCron: "0 4 * * *"}, tc,
		DirOwnerFunc(func() []string { return []string{owned} }), discardLogger())
	require.NoError(t, err)

	j.Sweep()
	assert.DirExists(t, owned)
	assert.NoDirExists(t, orphan)
	assert.FileExists(t, filepath.Join(root, "stray.txt"))
}

func TestJanitorRejectsBadCron(t *testing.T) {
	tc := &config.TranscoderConfig{MediaRoot: t.TempDir()}
	_, err := NewJanitor(config.MaintenanceConfig{SweepCron: "not a cron"}, tc,
		DirOwnerFunc(func() []string { return nil }), discardLogger())
	assert.Error(t, err)
}

func TestJanitorMissingRootIsQuiet(t *testing.T) {
	tc := &config.TranscoderConfig{MediaRoot: filepath.Join(t.TempDir(), "missing")}
	j, err := NewJanitor(config.MaintenanceConfig{SweepCron: "@hourly"}, tc,
		DirOwnerFunc(func() []string { return nil }), discardLogger())
	require.NoError(t, err)
	j.Sweep()
}
