// Package registry holds the in-memory channel catalogue that playlist
// rendering, the API, and the transcoder manager all read from.
//
// The registry is the single source of truth for channel identity while
// the server runs. Ownership is split three ways: channels loaded from
// the config file, channels created over the API, and channels placed
// here temporarily by the scheduler. Delete cascades into the transcoder
// manager so no child outlives its channel.
package registry

import (
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/amps-project/amps/internal/amperr"
	"github.com/amps-project/amps/internal/config"
)

// Origin records which component placed a channel in the registry.
type Origin int

const (
	// OriginFile marks channels loaded from the config file. Hot reload
	// diffs only against these.
	OriginFile Origin = iota
	// OriginAPI marks channels created over the REST surface. They
	// survive config reloads untouched.
	OriginAPI
	// OriginScheduler marks channels activated by the scheduler; they
	// are retired when their window ends.
	OriginScheduler
)

// Cascader receives teardown notifications when a channel leaves the
// registry. The transcoder manager implements it; the registry never
// holds a reference into transcoder records.
type Cascader interface {
	StopChannel(id int) int
}

// noopCascader is used until a manager is attached.
type noopCascader struct{}

func (noopCascader) StopChannel(int) int { return 0 }

type entry struct {
	channel *config.Channel
	origin  Origin
}

// Registry is the thread-safe id → channel mapping.
type Registry struct {
	mu       sync.RWMutex
	channels map[int]*entry
	profiles map[string]*config.Profile
	cascader Cascader
	logger   *slog.Logger
}

// New creates an empty registry over a read-only profile catalogue.
func New(profiles map[string]*config.Profile) *Registry {
	if profiles == nil {
		profiles = map[string]*config.Profile{}
	}
	return &Registry{
		channels: make(map[int]*entry),
		profiles: profiles,
		cascader: noopCascader{},
		logger:   slog.Default().With(slog.String("component", "registry")),
	}
}

// WithLogger sets a custom logger.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger.With(slog.String("component", "registry"))
	return r
}

// SetCascader attaches the teardown target for channel deletion. Must be
// called before any Delete; typically once during boot wiring.
func (r *Registry) SetCascader(c Cascader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c == nil {
		r.cascader = noopCascader{}
		return
	}
	r.cascader = c
}

// Profiles returns the read-only profile catalogue.
func (r *Registry) Profiles() map[string]*config.Profile {
	return r.profiles
}

// Profile looks up a named profile.
func (r *Registry) Profile(name string) (*config.Profile, bool) {
	p, ok := r.profiles[name]
	return p, ok
}

// Get returns a deep copy of the channel with the given id.
func (r *Registry) Get(id int) (*config.Channel, error) {
	r.mu.RLock()
	e, ok := r.channels[id]
	r.mu.RUnlock()
	if !ok {
		return nil, amperr.Errorf(amperr.NotFound, "channel %d not found", id)
	}
	return mustClone(e.channel), nil
}

// Add inserts a channel. It fails with Conflict when the id is taken.
func (r *Registry) Add(ch *config.Channel, origin Origin) error {
	if err := ch.Validate(r.profiles); err != nil {
		return amperr.Errorf(amperr.BadRequest, "invalid channel: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, taken := r.channels[ch.ID]; taken {
		return amperr.Errorf(amperr.Conflict, "channel id %d already exists", ch.ID)
	}
	r.channels[ch.ID] = &entry{channel: mustClone(ch), origin: origin}
	return nil
}

// NextID returns the smallest id larger than every registered channel,
// for API creates that omit one. Holding no lock across the subsequent
// Add is fine: Add re-checks under its own lock and the API retries on
// Conflict.
func (r *Registry) NextID() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	next := 1
	for id := range r.channels {
		if id >= next {
			next = id + 1
		}
	}
	return next
}

// Replace swaps the body of an existing channel. The body's id must
// match; NotFound when absent.
func (r *Registry) Replace(id int, ch *config.Channel) error {
	if ch.ID != id {
		return amperr.Errorf(amperr.BadRequest, "body id %d does not match channel %d", ch.ID, id)
	}
	if err := ch.Validate(r.profiles); err != nil {
		return amperr.Errorf(amperr.BadRequest, "invalid channel: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[id]
	if !ok {
		return amperr.Errorf(amperr.NotFound, "channel %d not found", id)
	}
	e.channel = mustClone(ch)
	return nil
}

// Delete removes a channel and cascades into the transcoder manager so
// every record for the id is torn down.
func (r *Registry) Delete(id int) (*config.Channel, error) {
	r.mu.Lock()
	e, ok := r.channels[id]
	if !ok {
		r.mu.Unlock()
		return nil, amperr.Errorf(amperr.NotFound, "channel %d not found", id)
	}
	delete(r.channels, id)
	cascader := r.cascader
	r.mu.Unlock()

	// Outside the lock: stopping children blocks on process exit.
	cascader.StopChannel(id)
	return e.channel, nil
}

// ReplacePrograms swaps the upcoming-programme list of a channel,
// preserving submission order.
func (r *Registry) ReplacePrograms(id int, programs []*config.Program) error {
	for i, p := range programs {
		if p.Title == "" {
			return amperr.Errorf(amperr.BadRequest, "program entry at index %d missing required 'title'", i)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.channels[id]
	if !ok {
		return amperr.Errorf(amperr.NotFound, "channel %d not found", id)
	}
	cloned := make([]*config.Program, len(programs))
	for i, p := range programs {
		cp := *p
		cloned[i] = &cp
	}
	e.channel.Programs = cloned
	return nil
}

// Programs returns a copy of the channel's programme list.
func (r *Registry) Programs(id int) ([]*config.Program, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.channels[id]
	if !ok {
		return nil, amperr.Errorf(amperr.NotFound, "channel %d not found", id)
	}
	out := make([]*config.Program, len(e.channel.Programs))
	for i, p := range e.channel.Programs {
		cp := *p
		out[i] = &cp
	}
	return out, nil
}

// Snapshot returns a consistent point-in-time copy of all channels,
// sorted by id.
func (r *Registry) Snapshot() []*config.Channel {
	r.mu.RLock()
	out := make([]*config.Channel, 0, len(r.channels))
	for _, e := range r.channels {
		out = append(out, mustClone(e.channel))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// ApplyFile reconciles the registry against a freshly parsed channels
// document. File-origin channels absent from the document are deleted
// (cascading), new ones added, and changed ones replaced. Channels whose
// launch inputs changed get their live records stopped, matching the API
// PUT semantics. API- and scheduler-owned channels are left untouched
// unless the file claims their id, in which case the file entry is
// skipped with a warning.
func (r *Registry) ApplyFile(channels []*config.Channel) {
	incoming := make(map[int]*config.Channel, len(channels))
	for _, ch := range channels {
		incoming[ch.ID] = ch
	}

	var toStop, toDelete []int

	r.mu.Lock()
	for id, e := range r.channels {
		if e.origin != OriginFile {
			continue
		}
		if _, stillPresent := incoming[id]; !stillPresent {
			toDelete = append(toDelete, id)
			delete(r.channels, id)
		}
	}
	for id, ch := range incoming {
		e, ok := r.channels[id]
		if !ok {
			r.channels[id] = &entry{channel: mustClone(ch), origin: OriginFile}
			continue
		}
		if e.origin != OriginFile {
			r.logger.Warn("config channel id collides with runtime channel, skipping",
				slog.Int("channel_id", id))
			continue
		}
		if launchInputsChanged(e.channel, ch) {
			toStop = append(toStop, id)
		}
		e.channel = mustClone(ch)
	}
	cascader := r.cascader
	r.mu.Unlock()

	for _, id := range toDelete {
		cascader.StopChannel(id)
	}
	for _, id := range toStop {
		cascader.StopChannel(id)
	}
	if len(toDelete) > 0 || len(toStop) > 0 {
		r.logger.Info("applied channels file",
			slog.Int("removed", len(toDelete)),
			slog.Int("restarted", len(toStop)))
	}
}

// launchInputsChanged reports whether a replacement body alters what a
// running child was launched with.
func launchInputsChanged(old, repl *config.Channel) bool {
	if old.Source != repl.Source || old.Profile != repl.Profile {
		return true
	}
	if (old.Custom != nil) != (repl.Custom != nil) {
		return true
	}
	if old.Custom != nil && !reflect.DeepEqual(old.Custom, repl.Custom) {
		return true
	}
	return false
}

// mustClone deep-copies a channel. The JSON round-trip in Clone can only
// fail on unmarshallable Extra values, which the decoder never produces.
func mustClone(ch *config.Channel) *config.Channel {
	out, err := ch.Clone()
	if err != nil {
		panic("registry: clone channel: " + err.Error())
	}
	return out
}
