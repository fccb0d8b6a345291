package trust

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"math/big"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

// Envelope is a canonically-signed payload exchanged during the handshake
// (spec.md §4.1's sealed_certificate, §4.5 step 3's "verify envelope
// signature"). The signing shape — canonicalize, then sign the canonical
// bytes, carrying a detached signature alongside the payload — is grounded
// on portal/corev2/identity/cert.go's CertificateV2.CanonicalBytes/Sign,
// adapted to ECDSA P-256/SHA-512 and to a generic JSON payload rather than
// the teacher's single fixed certificate struct, since spec.md's Envelope
// carries an arbitrary signed payload, not specifically a certificate. The
// marshaled Envelope travels as a SyncSession's sealed_certificate bytes.
type Envelope struct {
	Payload   []byte
	Signature []byte
	Signer    *x509.Certificate
}

// Seal canonicalizes payload (deterministic JSON marshaling of a
// map/struct, which encoding/json already sorts by key for map[string]...
// and by declaration order for structs, post-processed so every
// non-US-ASCII byte is \uXXXX-escaped per spec.md §4.1) and signs the
// canonical bytes with key.
func Seal(payload interface{}, key *ecdsa.PrivateKey, signer *x509.Certificate) (*Envelope, error) {
	marshaled, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "trust: canonicalize envelope payload")
	}
	canonical := escapeNonASCII(marshaled)

	digest := sha512.Sum512(canonical)
	sig, err := signP1363(key, digest[:])
	if err != nil {
		return nil, errors.Wrap(err, "trust: sign envelope")
	}

	return &Envelope{Payload: canonical, Signature: sig, Signer: signer}, nil
}

// Verify checks the envelope's signature against its carried signer
// certificate's public key. It does not check that the signer chains to a
// trusted CA; pair it with a Context's VerifyChain (or Verify) for that,
// as session.TrustAuthenticator does for the handshake's step 3.
func (e *Envelope) Verify() error {
	pub, ok := e.Signer.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("trust: envelope signer key is not ECDSA")
	}
	digest := sha512.Sum512(e.Payload)
	if !verifyP1363(pub, digest[:], e.Signature) {
		return errors.New("trust: envelope signature does not verify")
	}
	return nil
}

// Unmarshal decodes the envelope's canonical payload into v.
func (e *Envelope) Unmarshal(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// signP1363 signs digest and returns the fixed-width r||s encoding IEEE
// P1363 names, rather than ecdsa.SignASN1's variable-length DER, so every
// implementation lays the signature out the same way (spec.md §4.1: "IEEE
// P1363 signature form"). ecdsa.Sign draws a random nonce from rand.Reader,
// so two signatures over the same digest differ.
func signP1363(key *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return nil, err
	}
	size := fieldByteSize(key.Curve.Params().BitSize)
	out := make([]byte, 2*size)
	r.FillBytes(out[:size])
	s.FillBytes(out[size:])
	return out, nil
}

// verifyP1363 is the VerifyASN1 equivalent for the r||s form signP1363
// produces.
func verifyP1363(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	size := fieldByteSize(pub.Curve.Params().BitSize)
	if len(sig) != 2*size {
		return false
	}
	r := new(big.Int).SetBytes(sig[:size])
	s := new(big.Int).SetBytes(sig[size:])
	return ecdsa.Verify(pub, digest, r, s)
}

func fieldByteSize(bitSize int) int {
	return (bitSize + 7) / 8
}

// escapeNonASCII rewrites every rune >= 0x80 in src as a \uXXXX escape (a
// \uXXXX\uXXXX surrogate pair above the BMP), since encoding/json emits raw
// UTF-8 for such runes and spec.md §4.1 requires "Any non-US-ASCII byte
// must be escaped."
func escapeNonASCII(src []byte) []byte {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); {
		b := src[i]
		if b < 0x80 {
			out = append(out, b)
			i++
			continue
		}
		r, size := utf8.DecodeRune(src[i:])
		if r == utf8.RuneError && size <= 1 {
			out = append(out, []byte(fmt.Sprintf(`\u%04x`, b))...)
			i++
			continue
		}
		if r > 0xFFFF {
			r1, r2 := utf16.EncodeRune(r)
			out = append(out, []byte(fmt.Sprintf(`\u%04x\u%04x`, r1, r2))...)
		} else {
			out = append(out, []byte(fmt.Sprintf(`\u%04x`, r))...)
		}
		i += size
	}
	return out
}

var _ crypto.Signer = (*ecdsa.PrivateKey)(nil)
