// Package framebuf holds the bounded, insertion-ordered frame store shared
// between a session's chunk pump and its readers.
package framebuf

import (
	"sync"

	"github.com/zsiec/mjpegtap/internal/media"
)

// Snapshot is a point-in-time copy of a Ring in column form: Time[i] and
// Image[i] describe the same frame, oldest first. A Snapshot never changes
// after it is returned.
type Snapshot struct {
	Time  []int64  `json:"time"`
	Image []string `json:"image"`
}

// Len returns the number of frames in the snapshot.
func (s Snapshot) Len() int {
	return len(s.Time)
}

// Frame returns the i-th frame, oldest first.
func (s Snapshot) Frame(i int) media.Frame {
	return media.Frame{Time: s.Time[i], Image: s.Image[i]}
}

// Latest returns the newest frame, or false if the snapshot is empty.
func (s Snapshot) Latest() (media.Frame, bool) {
	if s.Len() == 0 {
		return media.Frame{}, false
	}
	return s.Frame(s.Len() - 1), true
}

// Ring is a fixed-capacity FIFO of frames. Appending at capacity evicts the
// oldest frame. It is safe for one writer and any number of readers.
type Ring struct {
	mu     sync.RWMutex
	frames []media.Frame
	head   int // index of the oldest frame
	n      int
}

// NewRing creates a Ring holding at most capacity frames. A non-positive
// capacity selects media.DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = media.DefaultCapacity
	}
	return &Ring{frames: make([]media.Frame, capacity)}
}

// Append adds f as the newest frame, evicting the oldest one when full.
func (r *Ring) Append(f media.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.n < len(r.frames) {
		r.frames[(r.head+r.n)%len(r.frames)] = f
		r.n++
		return
	}
	r.frames[r.head] = f
	r.head = (r.head + 1) % len(r.frames)
}

// Snapshot copies the current contents, oldest first.
func (r *Ring) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		Time:  make([]int64, r.n),
		Image: make([]string, r.n),
	}
	for i := 0; i < r.n; i++ {
		f := r.frames[(r.head+i)%len(r.frames)]
		s.Time[i] = f.Time
		s.Image[i] = f.Image
	}
	return s
}

// Len returns the number of buffered frames.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.n
}

// Cap returns the ring's capacity.
func (r *Ring) Cap() int {
	return len(r.frames)
}
