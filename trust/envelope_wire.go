package trust

import (
	"crypto/x509"
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

// ErrEnvelopeTruncated is returned by DecodeEnvelope when b is shorter than
// its own length-prefixed fields claim.
var ErrEnvelopeTruncated = errors.New("trust: truncated envelope")

// Marshal serializes e as three u16-length-prefixed fields (payload,
// signature, signer certificate DER), the form carried as a SyncSession's
// sealed_certificate bytes (spec.md §4.1, §4.5 step 3).
func (e *Envelope) Marshal() ([]byte, error) {
	if len(e.Payload) > math.MaxUint16 || len(e.Signature) > math.MaxUint16 || len(e.Signer.Raw) > math.MaxUint16 {
		return nil, errors.New("trust: envelope field exceeds 65535 bytes")
	}
	out := make([]byte, 0, 6+len(e.Payload)+len(e.Signature)+len(e.Signer.Raw))
	out = appendChunk(out, e.Payload)
	out = appendChunk(out, e.Signature)
	out = appendChunk(out, e.Signer.Raw)
	return out, nil
}

// DecodeEnvelope parses the format Marshal produces.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	payload, rest, err := readChunk(b)
	if err != nil {
		return nil, err
	}
	sig, rest, err := readChunk(rest)
	if err != nil {
		return nil, err
	}
	signerDER, _, err := readChunk(rest)
	if err != nil {
		return nil, err
	}
	signer, err := x509.ParseCertificate(signerDER)
	if err != nil {
		return nil, errors.Wrap(err, "trust: parse envelope signer certificate")
	}
	return &Envelope{Payload: payload, Signature: sig, Signer: signer}, nil
}

func appendChunk(dst, chunk []byte) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(chunk)))
	return append(dst, chunk...)
}

func readChunk(src []byte) (chunk, rest []byte, err error) {
	if len(src) < 2 {
		return nil, nil, ErrEnvelopeTruncated
	}
	n := int(binary.BigEndian.Uint16(src))
	src = src[2:]
	if len(src) < n {
		return nil, nil, ErrEnvelopeTruncated
	}
	return append([]byte(nil), src[:n]...), src[n:], nil
}
