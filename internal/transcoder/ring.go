package transcoder

import "sync"

// chunkRing retains the most recent output chunks up to a byte budget,
// so late joiners start with a playable backlog instead of mid-frame
// silence.
type chunkRing struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int
	max    int
}

func newChunkRing(max int) *chunkRing {
	return &chunkRing{max: max}
}

// push appends a chunk, evicting from the front until the byte budget
// holds. The chunk is retained as-is; callers hand over ownership.
func (r *chunkRing) push(chunk []byte) {
	if len(chunk) == 0 || len(chunk) > r.max {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, chunk)
	r.size += len(chunk)
	for r.size > r.max && len(r.chunks) > 0 {
		r.size -= len(r.chunks[0])
		r.chunks[0] = nil
		r.chunks = r.chunks[1:]
	}
}

// snapshot returns the retained chunks oldest-first.
func (r *chunkRing) snapshot() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.chunks))
	copy(out, r.chunks)
	return out
}

// bytes reports the retained byte count.
func (r *chunkRing) bytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// reset drops the backlog, used between child respawns so joiners never
// replay output from a dead process.
func (r *chunkRing) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = nil
	r.size = 0
}
