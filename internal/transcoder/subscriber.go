package transcoder

import (
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Subscriber close reasons.
var (
	ErrSlowSubscriber = errors.New("subscriber too slow, evicted")
	ErrStreamEnded    = errors.New("stream ended")
)

// Subscriber is one attached consumer of a byte-stream record. Chunks
// arrive on a bounded channel; a consumer that falls behind the
// per-chunk delivery deadline is evicted rather than allowed to stall
// the stream.
type Subscriber struct {
	id     string
	key    Key
	record *Record
	ch     chan []byte

	// stalledAt marks when the queue first filled up; touched only by
	// the record's fan-out goroutine.
	stalledAt time.Time

	once sync.Once
	done chan struct{}
	err  error
}

func newSubscriber(r *Record, backlog [][]byte, queue int) *Subscriber {
	s := &Subscriber{
		id:     ulid.Make().String(),
		key:    r.Key,
		record: r,
		ch:     make(chan []byte, queue+len(backlog)),
		done:   make(chan struct{}),
	}
	for _, chunk := range backlog {
		s.ch <- chunk
	}
	return s
}

// ID returns the subscriber's unique id, used in logs.
func (s *Subscriber) ID() string { return s.id }

// Key returns the stream key this subscriber is attached to.
func (s *Subscriber) Key() Key { return s.key }

// Chunks is the delivery channel. It is never closed; select against
// Done to observe the end of the stream.
func (s *Subscriber) Chunks() <-chan []byte { return s.ch }

// Done is closed when the stream ends or the subscriber is evicted.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Err reports why Done closed, nil before then.
func (s *Subscriber) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close detaches the subscriber from its record.
func (s *Subscriber) Close() {
	s.record.unsubscribe(s, nil)
}

// finish marks the subscriber done. Called by the record with its
// subscriber set already updated.
func (s *Subscriber) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}
