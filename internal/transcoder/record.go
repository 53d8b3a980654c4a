package transcoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amps-project/amps/internal/amperr"
	"github.com/amps-project/amps/internal/config"
	"github.com/amps-project/amps/internal/ffmpeg"
)

// State is the lifecycle phase of a stream record.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateDegraded // child died, respawn in progress
	StateStopping
	StateExited
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateStopping:
		return "stopping"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Child is the process a record supervises. ffmpeg.Command implements
// it; tests substitute a fake through the manager's ChildFactory.
type Child interface {
	Start() error
	Stdout() io.ReadCloser
	PID() int
	Terminate() error
	Kill() error
	Wait() error
	StderrTail() []string
	String() string
}

// spawnFunc builds a fresh, unstarted child. Called once per spawn so
// expiring sources are re-resolved on every restart.
type spawnFunc func(ctx context.Context) (Child, error)

// Record supervises one child process and its consumers. Byte-stream
// shapes fan stdout out through the replay ring; segmented shapes track
// manifest reads for idle accounting instead.
type Record struct {
	Key Key

	cfg         *config.TranscoderConfig
	logger      *slog.Logger
	spawn       spawnFunc
	piped       bool
	noBootstrap bool
	dir         string // segmented output dir, removed on exit
	manifest    string
	onExit      func(*Record)

	mu        sync.Mutex
	state     State
	child     Child
	mon       *ffmpeg.Monitor
	subs      map[string]*Subscriber
	idleAt    time.Time
	restarts  []time.Time
	spawns    int
	startedAt time.Time
	streams   []ffmpeg.StreamInfo
	lastErr   error

	ring     *chunkRing
	probeBuf []byte
	probed   bool

	bytesOut atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	readyOnce sync.Once
	ready     chan struct{}
	readyErr  error
}

// probeBufMax bounds how much initial output is buffered for the
// stream-type probe.
const probeBufMax = 512 * 1024

// Manifest returns the playlist path for segmented records, empty for
// piped ones.
func (r *Record) Manifest() string { return r.manifest }

// Dir returns the segmented output directory, empty for piped records.
func (r *Record) Dir() string { return r.dir }

// State returns the current lifecycle phase.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the record has fully wound down.
func (r *Record) Done() <-chan struct{} { return r.done }

// Stop requests a graceful wind-down: SIGTERM, then SIGKILL after the
// stop grace elapses. Idempotent.
func (r *Record) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Touch marks segmented records active; called on every manifest or
// segment read so the idle reaper leaves demanded streams alone.
func (r *Record) Touch() {
	r.mu.Lock()
	r.idleAt = time.Now()
	r.mu.Unlock()
}

// IdleFor reports how long the record has been without demand. Zero
// while byte-stream subscribers remain attached.
func (r *Record) IdleFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.piped && len(r.subs) > 0 {
		return 0
	}
	return time.Since(r.idleAt)
}

// waitReady blocks until the first spawn survives its grace period, or
// fails, or ctx expires.
func (r *Record) waitReady(ctx context.Context) error {
	select {
	case <-r.ready:
		return r.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Record) signalReady(err error) {
	r.readyOnce.Do(func() {
		r.readyErr = err
		close(r.ready)
	})
}

func (r *Record) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// run is the supervision loop. It owns the child for the record's whole
// life and exits only on stop, exhausted restart budget, or lost demand.
func (r *Record) run(ctx context.Context) {
	defer r.cleanup()

	for first := true; ; first = false {
		select {
		case <-r.stopCh:
			r.setState(StateExited)
			return
		default:
		}

		child, err := r.spawn(ctx)
		if err == nil {
			err = child.Start()
		}
		if err != nil {
			err = fmt.Errorf("launching %s: %w", r.Key, err)
			if first {
				r.recordFailure(err)
				r.signalReady(amperr.New(amperr.Unavailable, err))
				return
			}
			if !r.allowRestart() {
				r.recordFailure(err)
				return
			}
			r.logger.Warn("respawn failed", slog.String("key", r.Key.String()), slog.Any("error", err))
			continue
		}

		r.attachChild(child)
		var readerDone chan struct{}
		if r.piped {
			readerDone = make(chan struct{})
			go r.readLoop(child.Stdout(), readerDone)
		}
		// Reap only after the stdout reader has drained to EOF, so no
		// trailing output is lost to Wait closing the pipe.
		exited := make(chan error, 1)
		go func() {
			waitClosed(readerDone)
			exited <- child.Wait()
		}()

		if !r.superviseSpawn(child, exited, readerDone, first) {
			return
		}
	}
}

// superviseSpawn sees one child from spawn grace to exit. It returns
// true when the loop should respawn.
func (r *Record) superviseSpawn(child Child, exited chan error, readerDone chan struct{}, first bool) bool {
	grace := time.NewTimer(r.cfg.SpawnGrace)
	defer grace.Stop()

	select {
	case werr := <-exited:
		waitClosed(readerDone)
		err := exitError(r.Key, child, werr)
		if first {
			r.recordFailure(err)
			r.signalReady(amperr.New(amperr.Unavailable, err))
			return false
		}
		if !r.allowRestart() {
			r.recordFailure(err)
			return false
		}
		r.logger.Warn("child died during spawn grace",
			slog.String("key", r.Key.String()), slog.Any("error", err))
		r.ring.reset()
		return true

	case <-r.stopCh:
		r.setState(StateStopping)
		r.terminate(child, exited)
		waitClosed(readerDone)
		r.signalReady(amperr.New(amperr.Unavailable, ErrStreamEnded))
		r.setState(StateExited)
		return false

	case <-grace.C:
		r.setState(StateRunning)
		r.signalReady(nil)
	}

	select {
	case werr := <-exited:
		waitClosed(readerDone)
		err := exitError(r.Key, child, werr)
		r.logger.Warn("child exited", slog.String("key", r.Key.String()), slog.Any("error", err))
		if !r.hasDemand() {
			r.setState(StateExited)
			return false
		}
		if !r.allowRestart() {
			r.recordFailure(fmt.Errorf("restart budget exhausted: %w", err))
			return false
		}
		r.setState(StateDegraded)
		r.ring.reset()
		return true

	case <-r.stopCh:
		r.setState(StateStopping)
		r.terminate(child, exited)
		waitClosed(readerDone)
		r.setState(StateExited)
		return false
	}
}

// terminate asks the child to exit, escalating to SIGKILL once the stop
// grace expires.
func (r *Record) terminate(child Child, exited chan error) {
	if err := child.Terminate(); err != nil {
		_ = child.Kill()
	}
	timer := time.NewTimer(r.cfg.StopGrace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		r.logger.Warn("child ignored SIGTERM, killing",
			slog.String("key", r.Key.String()), slog.Int("pid", child.PID()))
		_ = child.Kill()
		<-exited
	}
}

func (r *Record) attachChild(child Child) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mon != nil {
		r.mon.Stop()
	}
	r.child = child
	r.mon = ffmpeg.NewMonitor(child.PID(), 0)
	r.startedAt = time.Now()
	r.spawns++
	r.probeBuf = nil
	r.probed = false
	r.logger.Info("child spawned",
		slog.String("key", r.Key.String()),
		slog.Int("pid", child.PID()),
		slog.Int("spawn", r.spawns))
}

// allowRestart charges one restart against the sliding window budget.
func (r *Record) allowRestart() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	kept := r.restarts[:0]
	for _, t := range r.restarts {
		if now.Sub(t) < r.cfg.RestartWindow {
			kept = append(kept, t)
		}
	}
	r.restarts = kept
	if len(r.restarts) >= r.cfg.RestartMax {
		return false
	}
	r.restarts = append(r.restarts, now)
	return true
}

// respawns counts restarts performed over the record's life: every
// spawn after the first.
func (r *Record) respawns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spawns > 1 {
		return r.spawns - 1
	}
	return 0
}

func (r *Record) hasDemand() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.piped {
		return len(r.subs) > 0
	}
	return time.Since(r.idleAt) < r.cfg.IdleTimeout
}

func (r *Record) recordFailure(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.state = StateFailed
	r.mu.Unlock()
	r.logger.Error("stream failed", slog.String("key", r.Key.String()), slog.Any("error", err))
}

// readLoop pumps child stdout into the ring and the subscribers.
func (r *Record) readLoop(stdout io.ReadCloser, done chan struct{}) {
	defer close(done)
	if stdout == nil {
		return
	}
	buf := make([]byte, int(r.cfg.ChunkSize))
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			r.bytesOut.Add(int64(n))
			r.maybeProbe(chunk)
			r.ring.push(chunk)
			r.fanout(chunk)
		}
		if err != nil {
			return
		}
	}
}

// maybeProbe accumulates initial output and extracts the elementary
// stream layout once enough of the mux has been seen.
func (r *Record) maybeProbe(chunk []byte) {
	r.mu.Lock()
	if r.probed || len(r.probeBuf) >= probeBufMax {
		r.mu.Unlock()
		return
	}
	r.probeBuf = append(r.probeBuf, chunk...)
	buf := r.probeBuf
	r.mu.Unlock()

	streams, err := ffmpeg.ProbeTS(buf)
	if err != nil {
		return
	}
	r.mu.Lock()
	r.probed = true
	r.streams = streams
	r.probeBuf = nil
	r.mu.Unlock()
}

// fanout delivers one chunk to every subscriber. The send never blocks:
// a subscriber with a full queue misses the chunk, and one that stays
// stalled past the delivery deadline is evicted. One laggard must not
// hold up the read loop for everyone else.
func (r *Record) fanout(chunk []byte) {
	now := time.Now()
	for _, s := range r.subscribers() {
		select {
		case s.ch <- chunk:
			s.stalledAt = time.Time{}
			continue
		case <-s.done:
			continue
		default:
		}
		if s.stalledAt.IsZero() {
			s.stalledAt = now
			continue
		}
		if now.Sub(s.stalledAt) >= r.cfg.SubscriberTimeout {
			r.logger.Warn("evicting slow subscriber",
				slog.String("key", r.Key.String()), slog.String("subscriber", s.id))
			r.unsubscribe(s, ErrSlowSubscriber)
		}
	}
}

func (r *Record) subscribers() []*Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

// subscribe attaches a consumer, preloading the replay backlog unless
// the stream's profile disables bootstrap.
func (r *Record) subscribe() (*Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateStopping, StateExited, StateFailed:
		return nil, amperr.New(amperr.Unavailable,
			fmt.Errorf("stream %s is %s", r.Key, r.state))
	}
	var backlog [][]byte
	if !r.noBootstrap {
		backlog = r.ring.snapshot()
	}
	s := newSubscriber(r, backlog, r.cfg.SubscriberQueue)
	r.subs[s.id] = s
	return s, nil
}

func (r *Record) unsubscribe(s *Subscriber, reason error) {
	r.mu.Lock()
	var lastOut bool
	if _, ok := r.subs[s.id]; ok {
		delete(r.subs, s.id)
		if len(r.subs) == 0 {
			r.idleAt = time.Now()
			lastOut = true
		}
	}
	r.mu.Unlock()
	s.finish(reason)

	// Private overlap records exist for exactly one consumer; tear the
	// child down as soon as that consumer detaches.
	if lastOut && r.Key.Private() {
		r.Stop()
	}
}

func (r *Record) cleanup() {
	r.mu.Lock()
	subs := make([]*Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	r.subs = map[string]*Subscriber{}
	mon := r.mon
	r.mon = nil
	reason := r.lastErr
	r.mu.Unlock()

	if reason == nil {
		reason = ErrStreamEnded
	}
	for _, s := range subs {
		s.finish(reason)
	}
	if mon != nil {
		mon.Stop()
	}
	if r.dir != "" {
		if err := os.RemoveAll(r.dir); err != nil {
			r.logger.Warn("removing stream directory",
				slog.String("dir", r.dir), slog.Any("error", err))
		}
	}
	r.signalReady(amperr.New(amperr.Unavailable, ErrStreamEnded))
	if r.onExit != nil {
		r.onExit(r)
	}
	close(r.done)
	r.logger.Info("stream wound down", slog.String("key", r.Key.String()))
}

// Status is a point-in-time snapshot of one live record.
type Status struct {
	Channel     int                 `json:"channel"`
	Variant     string              `json:"variant"`
	Shape       string              `json:"shape"`
	Overlap     string              `json:"overlap,omitempty"`
	State       string              `json:"state"`
	PID         int                 `json:"pid,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	Subscribers int                 `json:"subscribers"`
	BytesOut    int64               `json:"bytes_out"`
	Spawns      int                 `json:"spawns"`
	CPUPercent  float64             `json:"cpu_percent"`
	RSSBytes    uint64              `json:"rss_bytes"`
	Streams     []ffmpeg.StreamInfo `json:"streams,omitempty"`
	Command     string              `json:"command,omitempty"`
	Error       string              `json:"error,omitempty"`
}

// Snapshot captures the record for the API and metrics surfaces.
func (r *Record) Snapshot() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Channel:     r.Key.Channel,
		Variant:     r.Key.Variant,
		Shape:       r.Key.Shape,
		Overlap:     r.Key.Overlap,
		State:       r.state.String(),
		StartedAt:   r.startedAt,
		Subscribers: len(r.subs),
		BytesOut:    r.bytesOut.Load(),
		Spawns:      r.spawns,
		Streams:     r.streams,
	}
	if r.child != nil {
		st.PID = r.child.PID()
		st.Command = r.child.String()
	}
	if r.mon != nil {
		proc := r.mon.Stats()
		st.CPUPercent = proc.CPUPercent
		st.RSSBytes = proc.RSSBytes
	}
	if r.lastErr != nil {
		st.Error = r.lastErr.Error()
	}
	return st
}

// exitError folds the child's exit status and stderr tail into one
// reportable error.
func exitError(key Key, child Child, werr error) error {
	tail := child.StderrTail()
	detail := ""
	if len(tail) > 0 {
		detail = ", stderr: " + tail[len(tail)-1]
	}
	if werr == nil {
		return fmt.Errorf("stream %s: child exited%s", key, detail)
	}
	return fmt.Errorf("stream %s: %w%s", key, werr, detail)
}

func waitClosed(ch chan struct{}) {
	if ch != nil {
		<-ch
	}
}

var errManagerClosed = errors.New("transcoder manager is shut down")
