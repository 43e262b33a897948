package metrics

import (
	"sort"
	"sync"
	"time"
)

// Sample is one observation of a metric stream such as cpu_percent.
type Sample struct {
	Stream    string    `json:"stream"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// Store holds one RingBuffer per stream. Buffers are created on first append.
type Store struct {
	capacity int

	mu      sync.RWMutex
	streams map[string]*RingBuffer[Sample]
}

// NewStore creates a store whose buffers hold capacity samples each.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		streams:  make(map[string]*RingBuffer[Sample]),
	}
}

// Append records samples in order. Samples with an empty stream name are
// ignored.
func (s *Store) Append(samples ...Sample) {
	for _, sample := range samples {
		if sample.Stream == "" {
			continue
		}
		s.buffer(sample.Stream).Append(sample)
	}
}

func (s *Store) buffer(stream string) *RingBuffer[Sample] {
	s.mu.RLock()
	rb, ok := s.streams[stream]
	s.mu.RUnlock()
	if ok {
		return rb
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rb, ok = s.streams[stream]; !ok {
		rb = NewRingBuffer[Sample](s.capacity)
		s.streams[stream] = rb
	}
	return rb
}

// Snapshot returns a copy of the stream's samples, oldest first.
func (s *Store) Snapshot(stream string) []Sample {
	s.mu.RLock()
	rb, ok := s.streams[stream]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	return rb.Snapshot()
}

// Latest returns the newest sample of a stream.
func (s *Store) Latest(stream string) (Sample, bool) {
	s.mu.RLock()
	rb, ok := s.streams[stream]
	s.mu.RUnlock()
	if !ok {
		return Sample{}, false
	}
	return rb.Latest()
}

// Streams returns the known stream names, sorted.
func (s *Store) Streams() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.streams))
	for name := range s.streams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capacity returns the per-stream capacity.
func (s *Store) Capacity() int {
	return s.capacity
}

// Reset drops every stream.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = make(map[string]*RingBuffer[Sample])
}
