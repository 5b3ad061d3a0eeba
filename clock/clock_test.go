package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMockClockAdvance(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	c := NewMock(start)

	require.Equal(t, start, c.Now())

	c.Advance(90 * time.Second)
	require.Equal(t, start.Add(90*time.Second), c.Now())
	require.Equal(t, 90*time.Second, c.Since(start))
}

func TestClockSync(t *testing.T) {
	c := NewMock(time.Unix(0, 0))
	c.Sync()

	require.WithinDuration(t, time.Now(), c.Now(), time.Second)
}

func TestNilClockFollowsSystemTime(t *testing.T) {
	var c *Clock
	require.WithinDuration(t, time.Now(), c.Now(), time.Second)
}
