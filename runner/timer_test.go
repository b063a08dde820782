package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gopkg.in/guregu/null.v3"

	"go.nextest.dev/nextest/lib/types"
)

// manualClock is a fully controlled Clock for stopwatch tests.
type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) NewTimer(d time.Duration) Timer {
	// Stopwatch tests never wait on timers.
	return neverTimer{}
}

func (c *manualClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestStopwatch(t *testing.T) {
	t.Parallel()

	clock := &manualClock{now: time.Unix(1000, 0)}
	watch := newStopwatch(clock)

	assert.Equal(t, time.Duration(0), watch.Elapsed())

	clock.advance(3 * time.Second)
	assert.Equal(t, 3*time.Second, watch.Elapsed())

	// Paused time does not count.
	watch.Pause()
	clock.advance(10 * time.Second)
	assert.Equal(t, 3*time.Second, watch.Elapsed())

	// Pausing twice is a no-op.
	watch.Pause()
	clock.advance(time.Second)
	assert.Equal(t, 3*time.Second, watch.Elapsed())

	watch.Resume()
	clock.advance(2 * time.Second)
	assert.Equal(t, 5*time.Second, watch.Elapsed())

	// A second pause accumulates on top of the first.
	watch.Pause()
	clock.advance(time.Minute)
	watch.Resume()
	clock.advance(time.Second)
	assert.Equal(t, 6*time.Second, watch.Elapsed())

	watch.Restart()
	assert.Equal(t, time.Duration(0), watch.Elapsed())
	clock.advance(time.Second)
	assert.Equal(t, time.Second, watch.Elapsed())
}

func TestCappedBuffer(t *testing.T) {
	t.Parallel()

	buf := newCappedBuffer(8)

	n, err := buf.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)

	out, truncated := buf.snapshot()
	assert.Equal(t, "hello", string(out))
	assert.False(t, truncated)

	// Writes past the cap report full consumption but keep only the head.
	n, err = buf.Write([]byte("worlds"))
	assert.NoError(t, err)
	assert.Equal(t, 6, n)

	out, truncated = buf.snapshot()
	assert.Equal(t, "hellowor", string(out))
	assert.True(t, truncated)

	// Later writes are dropped entirely.
	_, _ = buf.Write([]byte("more"))
	out, _ = buf.snapshot()
	assert.Equal(t, "hellowor", string(out))
}

func TestRetryDelayBackoff(t *testing.T) {
	t.Parallel()

	fixed := quickConfig().WithDefaults()
	assert.Equal(t, DefaultRetryDelay, Config{}.WithDefaults().retryDelayFor(2))
	assert.Equal(t, 10*time.Millisecond, fixed.retryDelayFor(2))
	assert.Equal(t, 10*time.Millisecond, fixed.retryDelayFor(5), "fixed backoff never grows")

	exp := Config{}.WithDefaults()
	exp.RetryBackoff = null.StringFrom(BackoffExponential)
	assert.Equal(t, DefaultRetryDelay, exp.retryDelayFor(2))
	assert.Equal(t, 2*DefaultRetryDelay, exp.retryDelayFor(3))
	assert.Equal(t, 4*DefaultRetryDelay, exp.retryDelayFor(4))

	capped := exp
	capped.RetryMaxDelay = types.NullDurationFrom(3 * DefaultRetryDelay)
	assert.Equal(t, 2*DefaultRetryDelay, capped.retryDelayFor(3))
	assert.Equal(t, 3*DefaultRetryDelay, capped.retryDelayFor(4), "exponential delay is capped")
}
