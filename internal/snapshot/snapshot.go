// Package snapshot implements the size-bounded opaque state
// capture/restore codec. The payload itself is never interpreted; only a
// small CBOR envelope (version + checksum) wraps it so restore can
// distinguish "too large", "malformed", and "ok" without peeking at
// guest-defined structure.
package snapshot

import (
	"errors"
	"hash/crc32"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrTooLarge is returned when a snapshot exceeds the configured ceiling.
	ErrTooLarge = errors.New("snapshot: exceeds size ceiling")
	// ErrMalformed is returned when restore input cannot be decoded, or
	// fails its checksum.
	ErrMalformed = errors.New("snapshot: malformed")
)

// DefaultMaxBytes is the default snapshot size ceiling.
const DefaultMaxBytes = 10 * 1024 * 1024

// envelope is the only structure this package ever looks inside of.
type envelope struct {
	Version uint8  `cbor:"1,keyasint"`
	CRC32   uint32 `cbor:"2,keyasint"`
	Payload []byte `cbor:"3,keyasint"`
}

const envelopeVersion = 1

// Codec enforces a maximum payload size and wraps/unwraps the opaque
// guest state bytes in a checksummed envelope.
type Codec struct {
	MaxBytes int
}

func New(maxBytes int) *Codec {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Codec{MaxBytes: maxBytes}
}

// Encode wraps raw guest-opaque bytes into a transportable snapshot.
func (c *Codec) Encode(payload []byte) ([]byte, error) {
	if len(payload) > c.MaxBytes {
		return nil, ErrTooLarge
	}
	env := envelope{
		Version: envelopeVersion,
		CRC32:   crc32.ChecksumIEEE(payload),
		Payload: payload,
	}
	out, err := cbor.Marshal(env)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Decode validates and unwraps a snapshot produced by Encode. The
// session's pre-restore state is left untouched by the caller on error —
// this function has no side effects on failure.
func (c *Codec) Decode(snapshot []byte) ([]byte, error) {
	if len(snapshot) > c.MaxBytes*2 {
		// An envelope overhead-inflated blob this far past the ceiling is
		// rejected before even attempting to decode it.
		return nil, ErrTooLarge
	}
	var env envelope
	if err := cbor.Unmarshal(snapshot, &env); err != nil {
		return nil, ErrMalformed
	}
	if env.Version != envelopeVersion {
		return nil, ErrMalformed
	}
	if len(env.Payload) > c.MaxBytes {
		return nil, ErrTooLarge
	}
	if crc32.ChecksumIEEE(env.Payload) != env.CRC32 {
		return nil, ErrMalformed
	}
	return env.Payload, nil
}
