package kernel

import (
	"time"

	"rv39kernel/internal/log"
)

// An OptionFn customizes a System before its subsystems are created.
type OptionFn func(*System)

// WithLogger overrides the default logger used by every subsystem.
func WithLogger(logger *log.Logger) OptionFn {
	return func(sys *System) {
		sys.log = logger
	}
}

// WithTickInterval overrides how often Run fires the simulated timer
// interrupt. The default is one millisecond per tick.
func WithTickInterval(d time.Duration) OptionFn {
	return func(sys *System) {
		sys.tick = d
	}
}
