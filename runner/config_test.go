package runner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gopkg.in/guregu/null.v3"

	"go.nextest.dev/nextest/lib/types"
)

func TestConfigApply(t *testing.T) {
	t.Parallel()

	base := Config{
		Concurrency: null.IntFrom(8),
		Retries:     null.IntFrom(1),
	}
	overlay := Config{
		Retries:     null.IntFrom(3),
		SlowTimeout: types.NullDurationFrom(time.Minute),
	}

	merged := base.Apply(overlay)
	assert.Equal(t, int64(8), merged.Concurrency.Int64, "unset overlay fields keep the base")
	assert.Equal(t, int64(3), merged.Retries.Int64, "set overlay fields win")
	assert.Equal(t, time.Minute, merged.SlowTimeout.ValueOrZero())
}

func TestConfigWithDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.WithDefaults()
	assert.True(t, cfg.Concurrency.Valid)
	assert.GreaterOrEqual(t, cfg.Concurrency.Int64, int64(1))
	assert.Equal(t, int64(0), cfg.Retries.Int64)
	assert.Equal(t, BackoffFixed, cfg.RetryBackoff.String)
	assert.Equal(t, DefaultLeakTimeout, cfg.LeakTimeout.ValueOrZero())
	assert.Equal(t, DefaultTerminateGracePeriod, cfg.TerminateGracePeriod.ValueOrZero())
	assert.Empty(t, cfg.Validate())

	// Defaults never override explicit settings.
	custom := Config{Concurrency: null.IntFrom(1)}.WithDefaults()
	assert.Equal(t, int64(1), custom.Concurrency.Int64)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	bad := Config{
		Concurrency:        null.IntFrom(0),
		Retries:            null.IntFrom(-1),
		RetryBackoff:       null.StringFrom("fibonacci"),
		SlowTerminateAfter: null.IntFrom(2),
		LeakTimeout:        types.NullDurationFrom(-time.Second),
	}
	errs := bad.Validate()
	assert.Len(t, errs, 5)

	good := Config{
		Concurrency:        null.IntFrom(4),
		RetryBackoff:       null.StringFrom(BackoffExponential),
		SlowTimeout:        types.NullDurationFrom(time.Minute),
		SlowTerminateAfter: null.IntFrom(4),
	}
	assert.Empty(t, good.Validate())
}
