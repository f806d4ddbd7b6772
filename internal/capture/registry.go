package capture

import (
	"sort"
	"sync"
	"time"
)

// channelState holds the recording state of one microphone channel. All
// fields are guarded by mu; both the frame path and the sweeper take it.
type channelState struct {
	mu           sync.Mutex
	id           int
	buf          []byte
	recording    bool
	lastActivity time.Time
	tally        map[Marker]int
}

// resetLocked clears the utterance state but keeps the entry (and its tally)
// for reuse. Caller must hold s.mu.
func (s *channelState) resetLocked() {
	s.buf = s.buf[:0]
	s.recording = false
	s.lastActivity = time.Time{}
}

func (s *channelState) tallyCopyLocked() map[Marker]int {
	out := make(map[Marker]int, len(s.tally))
	for k, v := range s.tally {
		out[k] = v
	}
	return out
}

// ChannelInfo is a point-in-time view of a channel for diagnostics.
type ChannelInfo struct {
	ChannelID    int            `json:"channel_id"`
	Name         string         `json:"name"`
	BufferBytes  int            `json:"buffer_bytes"`
	Recording    bool           `json:"recording"`
	LastActivity time.Time      `json:"last_activity"`
	MarkerTally  map[string]int `json:"marker_tally"`
}

// Registry owns one channelState per channel id. Entries are created lazily
// on first use and live for the life of the process.
type Registry struct {
	mu       sync.RWMutex
	channels map[int]*channelState
}

func NewRegistry() *Registry {
	return &Registry{channels: make(map[int]*channelState)}
}

// getOrCreate returns the entry for id, creating an idle one if needed.
func (r *Registry) getOrCreate(id int) *channelState {
	r.mu.RLock()
	s, ok := r.channels[id]
	r.mu.RUnlock()
	if ok {
		return s
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.channels[id]; ok {
		return s
	}
	s = &channelState{id: id, tally: make(map[Marker]int)}
	r.channels[id] = s
	return s
}

func (r *Registry) lookup(id int) (*channelState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.channels[id]
	return s, ok
}

// Reset clears the buffer and recording flag of id without removing it.
func (r *Registry) Reset(id int) error {
	s, ok := r.lookup(id)
	if !ok {
		return ErrUnknownChannel
	}
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	return nil
}

// entries returns the current set of channel states ordered by id.
func (r *Registry) entries() []*channelState {
	r.mu.RLock()
	out := make([]*channelState, 0, len(r.channels))
	for _, s := range r.channels {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Len returns the number of channels observed so far.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Touch registers id if it has not been seen yet.
func (r *Registry) Touch(id int) { r.getOrCreate(id) }

// Info returns diagnostic info for a single channel.
func (r *Registry) Info(id int) (ChannelInfo, bool) {
	s, ok := r.lookup(id)
	if !ok {
		return ChannelInfo{}, false
	}
	return s.info(), true
}

// Snapshot returns diagnostic info for every known channel.
func (r *Registry) Snapshot() []ChannelInfo {
	states := r.entries()
	out := make([]ChannelInfo, 0, len(states))
	for _, s := range states {
		out = append(out, s.info())
	}
	return out
}

func (s *channelState) info() ChannelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := ChannelInfo{
		ChannelID:    s.id,
		Name:         ChannelName(s.id),
		BufferBytes:  len(s.buf),
		Recording:    s.recording,
		LastActivity: s.lastActivity,
		MarkerTally:  make(map[string]int, len(s.tally)),
	}
	for m, n := range s.tally {
		info.MarkerTally[m.String()] = n
	}
	return info
}
