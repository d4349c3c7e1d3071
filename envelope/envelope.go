// Package envelope implements the signed-envelope primitive used to
// authenticate records (such as peer records) that the router emits or
// consumes. Domain separation (prefixing the signing input with a fixed
// protocol identifier) prevents signatures from one protocol being replayed
// against another.
package envelope

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// Per-field wire limits. Exceeding one is a parse-time DoS guard, not a
// semantic validation failure.
const (
	MaxPublicKeyLength = 4 << 10        // 4 KiB
	MaxPayloadTypeLen  = 256            // bytes
	MaxPayloadLength   = 1 << 20        // 1 MiB
	MaxSignatureLength = 1 << 10        // 1 KiB
)

// ErrInvalidFormat is returned when the wire bytes are truncated or
// otherwise malformed.
var ErrInvalidFormat = errors.New("envelope: invalid format")

// ErrFieldTooLarge is returned when a length-prefixed field exceeds its
// wire limit.
type ErrFieldTooLarge struct {
	Field string
	N     int
}

func (e *ErrFieldTooLarge) Error() string {
	return fmt.Sprintf("envelope: field %s too large (%d bytes)", e.Field, e.N)
}

// ErrPayloadTypeMismatch is returned by OpenAs when the envelope's declared
// payload type does not match what the caller expected to unmarshal.
var ErrPayloadTypeMismatch = errors.New("envelope: payload type mismatch")

// ErrInvalidSignature is returned by Open when signature verification
// fails, including when verified against the wrong domain string.
var ErrInvalidSignature = errors.New("envelope: invalid signature")

// Record is anything that can be sealed into an Envelope. Domain is the
// ASCII protocol identifier mixed into the signing input; Codec identifies
// the payload's type on the wire (e.g. a multicodec prefix).
type Record interface {
	Domain() string
	Codec() []byte
	Marshal() ([]byte, error)
}

// Envelope is an authenticated wrapper over an arbitrary payload.
type Envelope struct {
	PublicKey   crypto.PubKey
	PayloadType []byte
	Payload     []byte
	Signature   []byte
}

// Seal marshals rec and signs it with key, binding in rec.Domain() and
// rec.Codec() so the signature cannot be replayed against a different
// protocol or payload type.
func Seal(rec Record, key crypto.PrivKey) (*Envelope, error) {
	payload, err := rec.Marshal()
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal record: %w", err)
	}

	unsigned := signingInput(rec.Domain(), rec.Codec(), payload)
	sig, err := key.Sign(unsigned)
	if err != nil {
		return nil, fmt.Errorf("envelope: sign: %w", err)
	}

	return &Envelope{
		PublicKey:   key.GetPublic(),
		PayloadType: rec.Codec(),
		Payload:     payload,
		Signature:   sig,
	}, nil
}

// Open verifies e's signature against domain and returns the signer's
// public key and the raw payload bytes on success.
func Open(e *Envelope, domain string) (crypto.PubKey, []byte, error) {
	unsigned := signingInput(domain, e.PayloadType, e.Payload)
	ok, err := e.PublicKey.Verify(unsigned, e.Signature)
	if err != nil || !ok {
		return nil, nil, ErrInvalidSignature
	}
	return e.PublicKey, e.Payload, nil
}

// OpenAs verifies e against domain, then checks that e's payload type
// matches expectedCodec before returning the verified payload bytes ready
// for the caller to unmarshal.
func OpenAs(e *Envelope, domain string, expectedCodec []byte) (crypto.PubKey, []byte, error) {
	pub, payload, err := Open(e, domain)
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(e.PayloadType, expectedCodec) {
		return nil, nil, ErrPayloadTypeMismatch
	}
	return pub, payload, nil
}

// signingInput builds `varint(|domain|)||domain || varint(|codec|)||codec ||
// varint(|payload|)||payload`.
func signingInput(domain string, codec, payload []byte) []byte {
	var buf []byte
	buf = appendLenPrefixed(buf, []byte(domain))
	buf = appendLenPrefixed(buf, codec)
	buf = appendLenPrefixed(buf, payload)
	return buf
}

func appendLenPrefixed(buf, field []byte) []byte {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(field)))
	buf = append(buf, lenBuf[:n]...)
	buf = append(buf, field...)
	return buf
}

// Marshal encodes the envelope as length-prefixed fields in order
// {publicKeyProto, payloadType, payload, signature}.
func (e *Envelope) Marshal() ([]byte, error) {
	pubBytes, err := crypto.MarshalPublicKey(e.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal public key: %w", err)
	}
	if len(pubBytes) > MaxPublicKeyLength {
		return nil, &ErrFieldTooLarge{"publicKey", len(pubBytes)}
	}
	if len(e.PayloadType) > MaxPayloadTypeLen {
		return nil, &ErrFieldTooLarge{"payloadType", len(e.PayloadType)}
	}
	if len(e.Payload) > MaxPayloadLength {
		return nil, &ErrFieldTooLarge{"payload", len(e.Payload)}
	}
	if len(e.Signature) > MaxSignatureLength {
		return nil, &ErrFieldTooLarge{"signature", len(e.Signature)}
	}

	var buf []byte
	buf = appendLenPrefixed(buf, pubBytes)
	buf = appendLenPrefixed(buf, e.PayloadType)
	buf = appendLenPrefixed(buf, e.Payload)
	buf = appendLenPrefixed(buf, e.Signature)
	return buf, nil
}

// Unmarshal decodes an envelope from wire bytes, enforcing the per-field
// wire limits.
func Unmarshal(data []byte) (*Envelope, error) {
	r := &byteReader{data: data}

	pubBytes, err := readLenPrefixed(r, MaxPublicKeyLength, "publicKey")
	if err != nil {
		return nil, err
	}
	payloadType, err := readLenPrefixed(r, MaxPayloadTypeLen, "payloadType")
	if err != nil {
		return nil, err
	}
	payload, err := readLenPrefixed(r, MaxPayloadLength, "payload")
	if err != nil {
		return nil, err
	}
	sig, err := readLenPrefixed(r, MaxSignatureLength, "signature")
	if err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, ErrInvalidFormat
	}

	pub, err := crypto.UnmarshalPublicKey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	return &Envelope{
		PublicKey:   pub,
		PayloadType: payloadType,
		Payload:     payload,
		Signature:   sig,
	}, nil
}

type byteReader struct {
	data []byte
	pos  int
}

func (r *byteReader) remaining() int { return len(r.data) - r.pos }

func (r *byteReader) readUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.pos:])
	if n <= 0 {
		return 0, ErrInvalidFormat
	}
	r.pos += n
	return v, nil
}

func (r *byteReader) readBytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, ErrInvalidFormat
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func readLenPrefixed(r *byteReader, max int, field string) ([]byte, error) {
	n, err := r.readUvarint()
	if err != nil {
		return nil, err
	}
	if int(n) > max {
		return nil, &ErrFieldTooLarge{field, int(n)}
	}
	b, err := r.readBytes(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
