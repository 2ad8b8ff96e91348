package device

import "time"

// Config holds the tunable windows of the device layer. The interactive
// timeouts were tuned empirically in the field and differ across platforms,
// so they are inputs here, never constants: button confirmation gets the
// longest window (the user may be reaching for the device), PIN and
// passphrase entry are typically pre-staged UI and expire sooner.
type Config struct {
	// PollInterval is the enumeration cadence of the hub worker.
	PollInterval time.Duration

	// AbsenceGrace is how long a device may miss polls before it is
	// declared disconnected.
	AbsenceGrace time.Duration

	// AliasTTL bounds the lifetime of unused alias entries.
	AliasTTL time.Duration

	// MergeWindow is how recently a synthesized identity must have been
	// seen for a newly serialed device to be merged into it.
	MergeWindow time.Duration

	// QueueLimit caps queued operations per device.
	QueueLimit int

	// ExchangeTimeout bounds each non-interactive frame exchange.
	ExchangeTimeout time.Duration

	// Interactive wait deadlines per awaiting kind.
	ButtonTimeout     time.Duration
	PinTimeout        time.Duration
	PassphraseTimeout time.Duration

	// EventBuffer sizes the hub's outward event channel.
	EventBuffer int

	// Clock abstracts time for tests; nil means the real clock.
	Clock Clock
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:      500 * time.Millisecond,
		AbsenceGrace:      1500 * time.Millisecond,
		AliasTTL:          90 * time.Second,
		MergeWindow:       15 * time.Second,
		QueueLimit:        32,
		ExchangeTimeout:   10 * time.Second,
		ButtonTimeout:     120 * time.Second,
		PinTimeout:        45 * time.Second,
		PassphraseTimeout: 45 * time.Second,
		EventBuffer:       64,
	}
}

// fillDefaults replaces zero values with the stock configuration.
func (c *Config) fillDefaults() {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.AbsenceGrace <= 0 {
		c.AbsenceGrace = def.AbsenceGrace
	}
	if c.AliasTTL <= 0 {
		c.AliasTTL = def.AliasTTL
	}
	if c.MergeWindow <= 0 {
		c.MergeWindow = def.MergeWindow
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = def.QueueLimit
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = def.ExchangeTimeout
	}
	if c.ButtonTimeout <= 0 {
		c.ButtonTimeout = def.ButtonTimeout
	}
	if c.PinTimeout <= 0 {
		c.PinTimeout = def.PinTimeout
	}
	if c.PassphraseTimeout <= 0 {
		c.PassphraseTimeout = def.PassphraseTimeout
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.Clock == nil {
		c.Clock = NewRealClock()
	}
}

// awaitTimeout returns the deadline for one awaiting kind.
func (c Config) awaitTimeout(kind AwaitKind) time.Duration {
	switch kind {
	case AwaitButton:
		return c.ButtonTimeout
	case AwaitPin:
		return c.PinTimeout
	default:
		return c.PassphraseTimeout
	}
}
