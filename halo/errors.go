package halo

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownLayout is returned for a Layout other than ComponentMajor or NodeMajor
	ErrUnknownLayout = errors.New("unknown operator layout")
	// ErrInvalidInterface marks malformed interface metadata
	ErrInvalidInterface = errors.New("invalid interface description")
	// ErrShortValues is returned when the value array cannot hold LocalNodes*Components entries
	ErrShortValues = errors.New("value array too short")
	// ErrCountMismatch is returned when positional counts disagree with slice lengths
	ErrCountMismatch = errors.New("count does not match slice length")
)

// ConfigError reports a caller contract violation detected before any
// data is exchanged. The exchange is aborted and values are untouched.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("halo: invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransportError reports a failed post, send or wait. A partial halo
// exchange cannot be repaired locally, so callers should treat it as fatal
// for the current solver iteration.
type TransportError struct {
	Op   string // "post", "send" or "wait"
	Peer int    // 0-based rank of the remote process
	Tag  int
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("halo: %s peer %d tag %d: %v", e.Op, e.Peer, e.Tag, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func configErrorf(field string, sentinel error, format string, args ...interface{}) error {
	return &ConfigError{Field: field, Err: fmt.Errorf("%w: "+format, append([]interface{}{sentinel}, args...)...)}
}
