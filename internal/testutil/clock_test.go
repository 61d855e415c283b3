package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestFakeClock_StartsAtGivenTime(t *testing.T) {
	c := NewFakeClock(epoch)
	assert.Equal(t, epoch, c.Now())
}

func TestFakeClock_TimerFiresOnlyAfterDeadline(t *testing.T) {
	c := NewFakeClock(epoch)
	timer := c.NewTimer(5 * time.Second)
	assert.Equal(t, 1, c.Pending())

	c.Advance(4 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("timer fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case at := <-timer.C():
		assert.Equal(t, epoch.Add(5*time.Second), at)
	default:
		t.Fatal("timer did not fire")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestFakeClock_NonPositiveDurationFiresImmediately(t *testing.T) {
	c := NewFakeClock(epoch)
	timer := c.NewTimer(0)
	select {
	case <-timer.C():
	default:
		t.Fatal("zero timer did not fire")
	}
	assert.Equal(t, 0, c.Pending())
}

func TestFakeClock_StopDisarms(t *testing.T) {
	c := NewFakeClock(epoch)
	timer := c.NewTimer(time.Second)
	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())
	assert.Equal(t, 0, c.Pending())
}

func TestFakeClock_NextDeadline(t *testing.T) {
	c := NewFakeClock(epoch)
	_, ok := c.NextDeadline()
	assert.False(t, ok)

	c.NewTimer(10 * time.Second)
	c.NewTimer(3 * time.Second)
	d, ok := c.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, d)
}

func TestFakeClock_BlockUntil(t *testing.T) {
	c := NewFakeClock(epoch)
	assert.False(t, c.BlockUntil(1, 10*time.Millisecond))

	go c.NewTimer(time.Minute)
	assert.True(t, c.BlockUntil(1, time.Second))
}
