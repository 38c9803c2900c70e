package gmach

import (
	"github.com/caarlos0/env/v6"
	"github.com/pkg/errors"
)

// Config carries the machine's tunables. Defaults: 64 KiB semispaces and
// a 1024-entry value stack.
type Config struct {
	// HeapSize is the size of one semispace in bytes.
	HeapSize int `env:"GMACH_HEAP" envDefault:"65536"`

	// StackSize is the value stack capacity in nodes.
	StackSize int `env:"GMACH_STACK" envDefault:"1024"`

	// ForceGC collects at every allocation site. Collection is a
	// compaction point invisible to the bytecode program, so results are
	// identical either way; this mode exists to prove it.
	ForceGC bool `env:"GMACH_FORCE_GC" envDefault:"false"`

	// Trace emits one line per dispatched instruction.
	Trace bool `env:"GMACH_TRACE" envDefault:"false"`
}

// DefaultConfig is the stock configuration.
func DefaultConfig() Config {
	return Config{
		HeapSize:  64 * 1024,
		StackSize: DefaultStackSize,
	}
}

// ConfigFromEnv reads GMACH_* overrides on top of the defaults.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing GMACH_* environment")
	}
	return cfg, nil
}
