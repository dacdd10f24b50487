package service

import (
	"fmt"

	"github.com/database64128/tcprelay-go/aead"
	"github.com/database64128/tcprelay-go/frame"
)

// Role is the role a relay plays in a tunnel.
type Role uint8

const (
	roleUnset Role = iota

	// RolePassthrough relays bytes unchanged.
	RolePassthrough

	// RoleEncrypt faces a plaintext application on the accepted side,
	// and a decrypting relay on the next-hop side.
	RoleEncrypt

	// RoleDecrypt faces an encrypting relay on the accepted side,
	// and a plaintext application on the next-hop side.
	RoleDecrypt

	roleCount
)

// ParseRole parses a role name. Accepted names are
// "passthrough" (or "proxy"), "encrypt" (or "client"), and "decrypt" (or "server").
func ParseRole(s string) (Role, error) {
	switch s {
	case "passthrough", "proxy":
		return RolePassthrough, nil
	case "encrypt", "client":
		return RoleEncrypt, nil
	case "decrypt", "server":
		return RoleDecrypt, nil
	default:
		return roleUnset, fmt.Errorf("unknown role: %q", s)
	}
}

// IsValid returns whether r is one of the defined roles.
func (r Role) IsValid() bool {
	return r > roleUnset && r < roleCount
}

// NeedsKey returns whether the role encrypts or decrypts.
func (r Role) NeedsKey() bool {
	return r == RoleEncrypt || r == RoleDecrypt
}

// String implements [fmt.Stringer].
func (r Role) String() string {
	switch r {
	case RolePassthrough:
		return "passthrough"
	case RoleEncrypt:
		return "encrypt"
	case RoleDecrypt:
		return "decrypt"
	default:
		return fmt.Sprintf("Role(%d)", uint8(r))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (r Role) MarshalText() ([]byte, error) {
	if !r.IsValid() {
		return nil, fmt.Errorf("invalid role: %d", uint8(r))
	}
	return []byte(r.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// Direction is one of the two flows of a relayed connection.
type Direction uint8

const (
	// DirectionInbound carries bytes from the accepted connection to the next hop.
	DirectionInbound Direction = iota

	// DirectionOutbound carries bytes from the next hop back to the accepted connection.
	DirectionOutbound

	directionCount
)

// String implements [fmt.Stringer].
func (d Direction) String() string {
	switch d {
	case DirectionInbound:
		return "inbound"
	case DirectionOutbound:
		return "outbound"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Policy is how one direction of a relayed connection handles frames.
type Policy struct {
	// Read is the dialect frames are read in.
	Read frame.Dialect

	// Op is applied to each non-empty frame.
	Op aead.Op

	// Write is the dialect frames are written in.
	Write frame.Dialect
}

// The side facing the application always speaks the raw dialect.
// The side facing the other relay always speaks the length-prefixed dialect,
// because sealed frames must keep their boundaries.
var policyTable = [roleCount][directionCount]Policy{
	RolePassthrough: {
		DirectionInbound:  {Read: frame.Raw, Op: aead.OpIdentity, Write: frame.Raw},
		DirectionOutbound: {Read: frame.Raw, Op: aead.OpIdentity, Write: frame.Raw},
	},
	RoleEncrypt: {
		DirectionInbound:  {Read: frame.Raw, Op: aead.OpEncrypt, Write: frame.LengthPrefixed},
		DirectionOutbound: {Read: frame.LengthPrefixed, Op: aead.OpDecrypt, Write: frame.Raw},
	},
	RoleDecrypt: {
		DirectionInbound:  {Read: frame.LengthPrefixed, Op: aead.OpDecrypt, Write: frame.Raw},
		DirectionOutbound: {Read: frame.Raw, Op: aead.OpEncrypt, Write: frame.LengthPrefixed},
	},
}

// A raw frame, once sealed, must fit in a length-prefixed frame.
// This fails to compile if RawReadSize grows past that limit.
var _ [frame.MaxFrameSize - frame.RawReadSize - aead.Overhead]struct{}

// PolicyFor returns the policy of a direction under a role.
//
// It panics if role is not valid.
func PolicyFor(role Role, dir Direction) Policy {
	if !role.IsValid() {
		panic("PolicyFor called with invalid role " + role.String())
	}
	return policyTable[role][dir]
}
