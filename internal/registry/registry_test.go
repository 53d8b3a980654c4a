package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amps-project/amps/internal/amperr"
	"github.com/amps-project/amps/internal/config"
)

func testProfiles() map[string]*config.Profile {
	return map[string]*config.Profile{
		"copy": {Template: []string{"-re", "-i", "{source}", "-c", "copy", "-f", "mpegts", "pipe:1"}},
	}
}

func testChannel(id int, name string) *config.Channel {
	return &config.Channel{ID: id, Name: name, Source: "http://example.com/live.ts", Profile: "copy"}
}

type stopRecorder struct {
	mu      sync.Mutex
	stopped []int
}

func (s *stopRecorder) StopChannel(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, id)
	return 1
}

func TestAddGet(t *testing.T) {
	r := New(testProfiles())

	require.NoError(t, r.Add(testChannel(1, "One"), OriginFile))

	got, err := r.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "One", got.Name)

	// Returned copy must not alias registry state.
	got.Name = "mutated"
	again, err := r.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "One", again.Name)
}

func TestAddConflict(t *testing.T) {
	r := New(testProfiles())
	require.NoError(t, r.Add(testChannel(1, "One"), OriginFile))

	err := r.Add(testChannel(1, "Dup"), OriginAPI)
	require.Error(t, err)
	assert.Equal(t, amperr.Conflict, amperr.KindOf(err))
}

func TestAddInvalidChannel(t *testing.T) {
	r := New(testProfiles())
	err := r.Add(&config.Channel{ID: 1, Name: "NoSource", Profile: "copy"}, OriginAPI)
	require.Error(t, err)
	assert.Equal(t, amperr.BadRequest, amperr.KindOf(err))
}

func TestReplace(t *testing.T) {
	r := New(testProfiles())
	require.NoError(t, r.Add(testChannel(1, "One"), OriginFile))

	repl := testChannel(1, "Renamed")
	require.NoError(t, r.Replace(1, repl))

	got, err := r.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", got.Name)
}

func TestReplaceIDMismatch(t *testing.T) {
	r := New(testProfiles())
	require.NoError(t, r.Add(testChannel(1, "One"), OriginFile))

	err := r.Replace(1, testChannel(2, "Wrong"))
	require.Error(t, err)
	assert.Equal(t, amperr.BadRequest, amperr.KindOf(err))
}

func TestReplaceNotFound(t *testing.T) {
	r := New(testProfiles())
	err := r.Replace(9, testChannel(9, "Ghost"))
	assert.Equal(t, amperr.NotFound, amperr.KindOf(err))
}

func TestDeleteCascades(t *testing.T) {
	r := New(testProfiles())
	rec := &stopRecorder{}
	r.SetCascader(rec)
	require.NoError(t, r.Add(testChannel(1, "One"), OriginFile))

	ch, err := r.Delete(1)
	require.NoError(t, err)
	assert.Equal(t, "One", ch.Name)
	assert.Equal(t, []int{1}, rec.stopped)

	_, err = r.Get(1)
	assert.Equal(t, amperr.NotFound, amperr.KindOf(err))
}

func TestDeleteNotFound(t *testing.T) {
	r := New(testProfiles())
	_, err := r.Delete(404)
	assert.Equal(t, amperr.NotFound, amperr.KindOf(err))
}

func TestNextID(t *testing.T) {
	r := New(testProfiles())
	assert.Equal(t, 1, r.NextID())

	require.NoError(t, r.Add(testChannel(5, "Five"), OriginAPI))
	assert.Equal(t, 6, r.NextID())
}

func TestPrograms(t *testing.T) {
	r := New(testProfiles())
	require.NoError(t, r.Add(testChannel(1, "One"), OriginFile))

	programs := []*config.Program{
		{Title: "News", Start: "2026-08-26T18:00:00Z"},
		{Title: "Weather"},
	}
	require.NoError(t, r.ReplacePrograms(1, programs))

	got, err := r.Programs(1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "News", got[0].Title)
	assert.Equal(t, "Weather", got[1].Title)
}

func TestReplaceProgramsRequiresTitle(t *testing.T) {
	r := New(testProfiles())
	require.NoError(t, r.Add(testChannel(1, "One"), OriginFile))

	err := r.ReplacePrograms(1, []*config.Program{{Description: "no title"}})
	assert.Equal(t, amperr.BadRequest, amperr.KindOf(err))
}

func TestSnapshotSorted(t *testing.T) {
	r := New(testProfiles())
	require.NoError(t, r.Add(testChannel(3, "Three"), OriginFile))
	require.NoError(t, r.Add(testChannel(1, "One"), OriginFile))
	require.NoError(t, r.Add(testChannel(2, "Two"), OriginScheduler))

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []int{snap[0].ID, snap[1].ID, snap[2].ID}, []int{1, 2, 3})
}

func TestApplyFileDiff(t *testing.T) {
	r := New(testProfiles())
	rec := &stopRecorder{}
	r.SetCascader(rec)

	require.NoError(t, r.Add(testChannel(1, "Keep"), OriginFile))
	require.NoError(t, r.Add(testChannel(2, "Remove"), OriginFile))
	require.NoError(t, r.Add(testChannel(3, "Mine"), OriginAPI))

	changed := testChannel(1, "Keep")
	changed.Source = "http://example.com/other.ts"

	r.ApplyFile([]*config.Channel{changed, testChannel(4, "New")})

	// 2 removed, 1 restarted (source changed), 4 added, 3 untouched.
	assert.ElementsMatch(t, []int{1, 2}, rec.stopped)

	_, err := r.Get(2)
	assert.Equal(t, amperr.NotFound, amperr.KindOf(err))

	got1, err := r.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/other.ts", got1.Source)

	_, err = r.Get(4)
	assert.NoError(t, err)

	got3, err := r.Get(3)
	require.NoError(t, err)
	assert.Equal(t, "Mine", got3.Name)
}

func TestApplyFileSkipsRuntimeCollision(t *testing.T) {
	r := New(testProfiles())
	require.NoError(t, r.Add(testChannel(7, "FromAPI"), OriginAPI))

	r.ApplyFile([]*config.Channel{testChannel(7, "FromFile")})

	got, err := r.Get(7)
	require.NoError(t, err)
	assert.Equal(t, "FromAPI", got.Name)
}

func TestConcurrentAccess(t *testing.T) {
	r := New(testProfiles())
	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = r.Add(testChannel(id, "ch"), OriginAPI)
			_, _ = r.Get(id)
			_ = r.Snapshot()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 50, r.Len())
}
