package service

import (
	"errors"
	"fmt"

	"github.com/database64128/tcprelay-go/aead"
	"github.com/database64128/tcprelay-go/frame"
)

// ErrorKind classifies why a relayed connection was aborted.
type ErrorKind uint8

const (
	// KindIO is a read or write failure on either connection.
	KindIO ErrorKind = iota

	// KindDial is a failure to connect to the next hop.
	KindDial

	// KindFraming is a malformed or truncated length-prefixed frame.
	KindFraming

	// KindCrypto is a sealed frame that failed to open, or a failure to seal one.
	KindCrypto

	// KindInternal is a panic recovered from a relay goroutine.
	KindInternal
)

// String implements [fmt.Stringer].
func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindDial:
		return "dial"
	case KindFraming:
		return "framing"
	case KindCrypto:
		return "crypto"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// RelayError is returned when a relayed connection is aborted.
type RelayError struct {
	Kind      ErrorKind
	Direction Direction
	Err       error
}

func newRelayError(dir Direction, err error) *RelayError {
	return &RelayError{
		Kind:      classify(err),
		Direction: dir,
		Err:       err,
	}
}

// classify returns the kind of an error returned by a frame dialect or a codec.
func classify(err error) ErrorKind {
	var (
		frameErr *frame.Error
		aeadErr  *aead.Error
	)
	switch {
	case errors.As(err, &aeadErr):
		return KindCrypto
	case errors.As(err, &frameErr), errors.Is(err, frame.ErrFrameTooLarge):
		return KindFraming
	default:
		return KindIO
	}
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

func (e *RelayError) Error() string {
	if e.Kind == KindDial {
		return "dial: " + e.Err.Error()
	}
	return e.Kind.String() + " error in " + e.Direction.String() + " direction: " + e.Err.Error()
}

// ConfigError is returned when a relay configuration is invalid.
type ConfigError struct {
	// Service is the name of the offending service. Empty for process-wide settings.
	Service string

	// Field is the JSON name of the offending field.
	Field string

	Err error
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func (e *ConfigError) Error() string {
	if e.Service == "" {
		return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("relay %q: invalid %s: %v", e.Service, e.Field, e.Err)
}

var (
	ErrNoRelays      = errors.New("no relays to start")
	ErrMissingKey    = errors.New("role requires a key, but none was given")
	ErrDuplicateName = errors.New("relay name already in use")
)
