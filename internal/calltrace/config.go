package calltrace

import (
	"fmt"
	"regexp"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/getsentry/calltracer/internal/frame"
	"github.com/getsentry/calltracer/internal/host"
)

const (
	// MaxThreads is the number of threads addressable by the one byte
	// thread id of a RawEvent.
	MaxThreads = 256

	DefaultMaxStackDepth = 128

	// UnknownManagedName labels managed calls whose location could not be
	// resolved.
	UnknownManagedName = "Managed: ???"
)

type Config struct {
	// MaxStackDepth bounds the number of pre-existing frames synthesized per
	// thread when a session starts.
	MaxStackDepth int `env:"CALLTRACE_MAX_STACK_DEPTH" env-default:"128" env-description:"frames synthesized per thread at start"`

	// PathPrefixes are stripped from filenames when naming managed calls.
	// The longest matching prefix wins.
	PathPrefixes []string `env:"CALLTRACE_PATH_PREFIXES" env-separator:":" env-description:"search paths pruned from filenames"`

	// ModuleCallCode is the wrapper code object whose calls are labelled
	// with the type of their receiver. Zero disables module tracking.
	ModuleCallCode    host.CodeID `env:"CALLTRACE_MODULE_CALL_CODE" env-description:"code id of the dispatch wrapper"`
	ModuleSelfLocal   string      `env:"CALLTRACE_MODULE_SELF_LOCAL" env-default:"self" env-description:"receiver local of the dispatch wrapper"`
	ModuleLabelPrefix string      `env:"CALLTRACE_MODULE_LABEL_PREFIX" env-default:"Module: " env-description:"prefix of module call labels"`
}

func DefaultConfig() Config {
	return Config{
		MaxStackDepth:     DefaultMaxStackDepth,
		ModuleSelfLocal:   "self",
		ModuleLabelPrefix: "Module: ",
	}
}

// ConfigFromEnv reads a Config from CALLTRACE_* environment variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("calltrace: reading config: %w", err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.MaxStackDepth < 0 {
		return fmt.Errorf("%w: max stack depth must not be negative, got %d", ErrPrecondition, c.MaxStackDepth)
	}
	return nil
}

// prefixRegexp compiles the filename pruning pattern, nil when there is
// nothing to prune.
func (c Config) prefixRegexp() (*regexp.Regexp, error) {
	pattern := frame.PrefixPattern(c.PathPrefixes)
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("calltrace: compiling path prefixes: %w", err)
	}
	return re, nil
}
