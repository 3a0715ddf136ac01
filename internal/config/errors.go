package config

import "errors"

var (
	// ErrInvalidDocument marks a config file that failed to load or
	// parse: missing file, bad YAML, or a spec that failed Validate.
	ErrInvalidDocument = errors.New("config: invalid document")

	// ErrInvalidSpec marks one malformed ForwardSpec entry within an
	// otherwise loadable document — spec.md §7's ConfigError kind.
	ErrInvalidSpec = errors.New("config: invalid forward spec")
)
