package aead

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of a key in bytes.
const KeySize = 32

// Key is a symmetric key.
//
// Key implements [fmt.Stringer] and [slog.LogValuer] so that it never shows up in logs.
type Key [KeySize]byte

// String implements [fmt.Stringer].
func (Key) String() string {
	return "aead.Key(redacted)"
}

// LogValue implements [slog.LogValuer].
func (Key) LogValue() slog.Value {
	return slog.StringValue("redacted")
}

// Supported key derivation schemes.
const (
	// KeyDerivationPad copies the secret's bytes into the key,
	// truncating a longer secret and zero-padding a shorter one.
	//
	// This is weak: short or low-entropy secrets produce weak keys.
	// It is the default for compatibility with existing deployments.
	KeyDerivationPad KeyDerivation = "pad"

	// KeyDerivationHKDFSHA256 derives the key with HKDF-SHA256.
	// Both ends of a tunnel must use the same scheme.
	KeyDerivationHKDFSHA256 KeyDerivation = "hkdf-sha256"
)

const (
	hkdfSalt = "tcprelay-go key derivation salt"
	hkdfInfo = "tcprelay-go frame key"
)

// KeyDerivation names a scheme for turning a configured secret into a [Key].
type KeyDerivation string

// CheckAndApplyDefault validates the scheme name. An empty name becomes [KeyDerivationPad].
func (kd *KeyDerivation) CheckAndApplyDefault() error {
	switch *kd {
	case "":
		*kd = KeyDerivationPad
	case KeyDerivationPad, KeyDerivationHKDFSHA256:
	default:
		return fmt.Errorf("unknown key derivation: %q", string(*kd))
	}
	return nil
}

// DeriveKey derives a key from secret using the scheme.
func (kd KeyDerivation) DeriveKey(secret string) (Key, error) {
	switch kd {
	case KeyDerivationPad, "":
		return PaddedKey(secret), nil
	case KeyDerivationHKDFSHA256:
		return HKDFKey(secret)
	default:
		return Key{}, fmt.Errorf("unknown key derivation: %q", string(kd))
	}
}

// PaddedKey copies the bytes of secret into a key.
// Bytes beyond [KeySize] are dropped. A shorter secret is padded with zeros.
func PaddedKey(secret string) (key Key) {
	copy(key[:], secret)
	return
}

// HKDFKey derives a key from secret with HKDF-SHA256.
func HKDFKey(secret string) (key Key, err error) {
	kdf := hkdf.New(sha256.New, []byte(secret), []byte(hkdfSalt), []byte(hkdfInfo))
	if _, err = io.ReadFull(kdf, key[:]); err != nil {
		return Key{}, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
