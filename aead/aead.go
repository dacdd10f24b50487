// Package aead seals and opens relay frames with an AEAD cipher.
//
// A sealed frame is laid out as:
//
//	sealed := 12B random nonce + AEAD_Seal(plaintext) // ciphertext + 16B tag
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/database64128/tcprelay-go/slicehelper"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the size of the random nonce prepended to every sealed frame.
	NonceSize = 12

	// TagSize is the size of the authentication tag appended by the cipher.
	TagSize = 16

	// Overhead is the number of bytes sealing adds to a plaintext.
	Overhead = NonceSize + TagSize
)

// Supported ciphers.
const (
	CipherAES256GCM        Cipher = "aes-256-gcm"
	CipherChaCha20Poly1305 Cipher = "chacha20-poly1305"
)

// Cipher names an AEAD construction.
type Cipher string

// CheckAndApplyDefault validates the cipher name. An empty name becomes [CipherAES256GCM].
func (c *Cipher) CheckAndApplyDefault() error {
	switch *c {
	case "":
		*c = CipherAES256GCM
	case CipherAES256GCM, CipherChaCha20Poly1305:
	default:
		return fmt.Errorf("unknown cipher: %q", string(*c))
	}
	return nil
}

var (
	ErrCiphertextTooShort = errors.New("ciphertext is shorter than the nonce")
	ErrOpen               = errors.New("message authentication failed")
	ErrNoCodec            = errors.New("no codec for a non-identity operation")
)

// Error is returned when sealing or opening fails.
type Error struct {
	Op  Op
	Err error
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Error() string {
	return e.Op.String() + ": " + e.Err.Error()
}

// Op is the operation applied to a frame between reading and writing it.
type Op uint8

const (
	OpIdentity Op = iota
	OpEncrypt
	OpDecrypt
)

// String implements [fmt.Stringer].
func (op Op) String() string {
	switch op {
	case OpIdentity:
		return "identity"
	case OpEncrypt:
		return "encrypt"
	case OpDecrypt:
		return "decrypt"
	default:
		return fmt.Sprintf("Op(%d)", uint8(op))
	}
}

// Codec seals and opens frames with a fixed key.
//
// A Codec is safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec returns a codec for the given cipher and key.
func NewCodec(c Cipher, key Key) (*Codec, error) {
	var (
		aead cipher.AEAD
		err  error
	)

	switch c {
	case CipherAES256GCM, "":
		var block cipher.Block
		block, err = aes.NewCipher(key[:])
		if err != nil {
			return nil, err
		}
		aead, err = cipher.NewGCM(block)
	case CipherChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key[:])
	default:
		return nil, fmt.Errorf("unknown cipher: %q", string(c))
	}
	if err != nil {
		return nil, err
	}

	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce
// and appends the nonce followed by the ciphertext and tag to dst.
func (c *Codec) Encrypt(dst, plaintext []byte) ([]byte, error) {
	ret, out := slicehelper.Extend(dst, NonceSize+len(plaintext)+TagSize)
	nonce := out[:NonceSize]
	if _, err := rand.Read(nonce); err != nil {
		return dst, &Error{OpEncrypt, err}
	}
	c.aead.Seal(nonce, nonce, plaintext, nil)
	return ret, nil
}

// Decrypt opens a sealed frame and appends the plaintext to dst.
//
// On failure, dst is returned unchanged, and the error wraps
// [ErrCiphertextTooShort] or [ErrOpen].
func (c *Codec) Decrypt(dst, sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize {
		return dst, &Error{OpDecrypt, fmt.Errorf("%w: length %d", ErrCiphertextTooShort, len(sealed))}
	}
	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]
	ret, err := c.aead.Open(dst, nonce, ciphertext, nil)
	if err != nil {
		return dst, &Error{OpDecrypt, ErrOpen}
	}
	return ret, nil
}

// Apply performs op on src and appends the result to dst.
//
// [OpIdentity] copies src. It is the only operation allowed on a nil codec.
func (c *Codec) Apply(op Op, dst, src []byte) ([]byte, error) {
	switch op {
	case OpIdentity:
		return append(dst, src...), nil
	case OpEncrypt, OpDecrypt:
		if c == nil {
			return dst, &Error{op, ErrNoCodec}
		}
		if op == OpEncrypt {
			return c.Encrypt(dst, src)
		}
		return c.Decrypt(dst, src)
	default:
		panic("aead: unknown op " + op.String())
	}
}
