package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AppendRoutesByStream(t *testing.T) {
	s := NewStore(0)
	now := time.Now()

	s.Append(
		Sample{Stream: "cpu_percent", Value: 10, Timestamp: now},
		Sample{Stream: "memory_percent", Value: 40, Timestamp: now},
		Sample{Stream: "cpu_percent", Value: 12, Timestamp: now.Add(time.Second)},
	)

	assert.Equal(t, []string{"cpu_percent", "memory_percent"}, s.Streams())

	cpu := s.Snapshot("cpu_percent")
	require.Len(t, cpu, 2)
	assert.Equal(t, 10.0, cpu[0].Value)
	assert.Equal(t, 12.0, cpu[1].Value)

	latest, ok := s.Latest("memory_percent")
	require.True(t, ok)
	assert.Equal(t, 40.0, latest.Value)
}

func TestStore_BoundsEachStream(t *testing.T) {
	s := NewStore(DefaultCapacity)
	for i := 0; i < 35; i++ {
		s.Append(Sample{Stream: "cpu_percent", Value: float64(i)})
	}

	snap := s.Snapshot("cpu_percent")
	require.Len(t, snap, DefaultCapacity)
	assert.Equal(t, 5.0, snap[0].Value)
	assert.Equal(t, 34.0, snap[DefaultCapacity-1].Value)
}

func TestStore_UnknownStreamAndEmptyName(t *testing.T) {
	s := NewStore(4)
	s.Append(Sample{Stream: "", Value: 1})

	assert.Empty(t, s.Streams())
	assert.Nil(t, s.Snapshot("missing"))
	_, ok := s.Latest("missing")
	assert.False(t, ok)
}

func TestStore_Reset(t *testing.T) {
	s := NewStore(4)
	s.Append(Sample{Stream: "active_agents", Value: 3})
	s.Reset()

	assert.Empty(t, s.Streams())
	assert.Equal(t, 4, s.Capacity())
}
