package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualFiresDueTimersInOrder(t *testing.T) {
	m := NewManual(time.Unix(100, 0))
	var fired []string
	m.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	m.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	stopped := m.AfterFunc(time.Second, func() { fired = append(fired, "x") })
	require.True(t, stopped.Stop())
	require.False(t, stopped.Stop())

	m.Advance(500 * time.Millisecond)
	assert.Empty(t, fired)
	assert.Equal(t, 2, m.Pending())

	m.Advance(1500 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 0, m.Pending())
	assert.Equal(t, time.Unix(102, 0), m.Now())
}

func TestSeconds(t *testing.T) {
	assert.InDelta(t, 1.5, Seconds(time.Unix(1, 500_000_000)), 1e-9)
}
