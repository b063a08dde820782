package runner

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"gopkg.in/guregu/null.v3"

	"go.nextest.dev/nextest/lib/types"
)

// Default values applied by Config.WithDefaults.
const (
	DefaultTerminateGracePeriod = 10 * time.Second
	DefaultLeakTimeout          = 100 * time.Millisecond
	DefaultRetryDelay           = time.Second
	DefaultMaxOutputBytes       = 4 << 20
)

// Backoff strategies for retry delays.
const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Config is the run policy: everything that governs how units are executed.
// All fields are nullable so that configuration layers (defaults, config
// file, environment, CLI flags) can be merged with Apply.
type Config struct {
	// Maximum number of simultaneously running units, setup scripts
	// included. Defaults to the number of logical CPUs.
	Concurrency null.Int `json:"concurrency"`

	// Per-test retry count. A test has at most 1+Retries attempts.
	Retries null.Int `json:"retries"`

	// Backoff strategy between attempts: "fixed" or "exponential".
	RetryBackoff null.String `json:"retryBackoff"`

	// Base delay before a retry.
	RetryDelay types.NullDuration `json:"retryDelay"`

	// Cap on the retry delay, applied with either backoff strategy.
	RetryMaxDelay types.NullDuration `json:"retryMaxDelay"`

	// Soft threshold after which a unit is marked slow. The threshold
	// repeats: a unit emits a slow notice every SlowTimeout period.
	SlowTimeout types.NullDuration `json:"slowTimeout"`

	// Hard kill after this many slow periods. Zero means never.
	SlowTerminateAfter null.Int `json:"slowTerminateAfter"`

	// Grace window after exit in which leaked child handles mark a pass as
	// leaky.
	LeakTimeout types.NullDuration `json:"leakTimeout"`

	// How long a terminated unit gets between the polite signal and the
	// forceful kill.
	TerminateGracePeriod types.NullDuration `json:"terminateGracePeriod"`

	// Stop admitting new tests after the first failure.
	FailFast null.Bool `json:"failFast"`

	// Pass child stdout/stderr through instead of capturing them.
	NoCapture null.Bool `json:"noCapture"`

	// Cap on each captured stream, in bytes. Output past the cap is
	// dropped and the truncation recorded.
	MaxOutputBytes null.Int `json:"maxOutputBytes"`
}

// Apply overlays all valid fields of other on top of c and returns the
// result.
func (c Config) Apply(other Config) Config {
	if other.Concurrency.Valid {
		c.Concurrency = other.Concurrency
	}
	if other.Retries.Valid {
		c.Retries = other.Retries
	}
	if other.RetryBackoff.Valid {
		c.RetryBackoff = other.RetryBackoff
	}
	if other.RetryDelay.Valid {
		c.RetryDelay = other.RetryDelay
	}
	if other.RetryMaxDelay.Valid {
		c.RetryMaxDelay = other.RetryMaxDelay
	}
	if other.SlowTimeout.Valid {
		c.SlowTimeout = other.SlowTimeout
	}
	if other.SlowTerminateAfter.Valid {
		c.SlowTerminateAfter = other.SlowTerminateAfter
	}
	if other.LeakTimeout.Valid {
		c.LeakTimeout = other.LeakTimeout
	}
	if other.TerminateGracePeriod.Valid {
		c.TerminateGracePeriod = other.TerminateGracePeriod
	}
	if other.FailFast.Valid {
		c.FailFast = other.FailFast
	}
	if other.NoCapture.Valid {
		c.NoCapture = other.NoCapture
	}
	if other.MaxOutputBytes.Valid {
		c.MaxOutputBytes = other.MaxOutputBytes
	}
	return c
}

// WithDefaults fills in any unset fields with their default values.
func (c Config) WithDefaults() Config {
	defaults := Config{
		Concurrency:          null.IntFrom(int64(runtime.NumCPU())),
		Retries:              null.IntFrom(0),
		RetryBackoff:         null.StringFrom(BackoffFixed),
		RetryDelay:           types.NullDurationFrom(DefaultRetryDelay),
		RetryMaxDelay:        types.NullDurationFrom(0),
		SlowTimeout:          types.NullDurationFrom(0),
		SlowTerminateAfter:   null.IntFrom(0),
		LeakTimeout:          types.NullDurationFrom(DefaultLeakTimeout),
		TerminateGracePeriod: types.NullDurationFrom(DefaultTerminateGracePeriod),
		FailFast:             null.BoolFrom(false),
		NoCapture:            null.BoolFrom(false),
		MaxOutputBytes:       null.IntFrom(DefaultMaxOutputBytes),
	}
	return defaults.Apply(c)
}

// Validate checks the consolidated config for nonsensical values.
func (c Config) Validate() []error {
	var errs []error
	if c.Concurrency.Valid && c.Concurrency.Int64 < 1 {
		errs = append(errs, errors.New("concurrency must be at least 1"))
	}
	if c.Retries.Valid && c.Retries.Int64 < 0 {
		errs = append(errs, errors.New("retries may not be negative"))
	}
	if c.RetryBackoff.Valid {
		switch c.RetryBackoff.String {
		case BackoffFixed, BackoffExponential:
		default:
			errs = append(errs, fmt.Errorf(
				"invalid retry backoff %q, expected %q or %q",
				c.RetryBackoff.String, BackoffFixed, BackoffExponential,
			))
		}
	}
	if c.SlowTerminateAfter.Valid && c.SlowTerminateAfter.Int64 > 0 &&
		(!c.SlowTimeout.Valid || c.SlowTimeout.Duration <= 0) {
		errs = append(errs, errors.New("slowTerminateAfter requires a slowTimeout"))
	}
	for _, d := range []types.NullDuration{
		c.RetryDelay, c.RetryMaxDelay, c.SlowTimeout, c.LeakTimeout, c.TerminateGracePeriod,
	} {
		if d.Valid && d.Duration < 0 {
			errs = append(errs, errors.New("durations may not be negative"))
			break
		}
	}
	return errs
}

// retryDelayFor computes the delay before the given attempt number (2 for
// the first retry). Exponential backoff doubles per attempt, capped by
// RetryMaxDelay if set.
func (c Config) retryDelayFor(attempt int) time.Duration {
	delay := c.RetryDelay.ValueOrZero()
	if c.RetryBackoff.String == BackoffExponential && attempt > 2 {
		for i := 2; i < attempt; i++ {
			delay *= 2
			if max := c.RetryMaxDelay.ValueOrZero(); max > 0 && delay >= max {
				delay = max
				break
			}
		}
	}
	if max := c.RetryMaxDelay.ValueOrZero(); max > 0 && delay > max {
		delay = max
	}
	return delay
}

// SetupScript is the declaration of one setup script to run before tests.
type SetupScript struct {
	// A unique identifier for the script.
	ID string `json:"id"`

	// The command and its arguments.
	Command string   `json:"command"`
	Args    []string `json:"args"`

	// The working directory. Empty means the runner's.
	Dir string `json:"dir"`

	// Extra environment for the script itself.
	Env []string `json:"env"`

	// Independent scripts may run in parallel with each other. Dependent
	// scripts (the default) run sequentially in declared order.
	Independent bool `json:"independent"`
}
