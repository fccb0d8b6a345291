package trust

import (
	"crypto"
	"os"

	"github.com/cockroachdb/errors"
	"software.sslmate.com/src/go-pkcs12"
)

// loadIdentity unlocks a PKCS#12 keystore containing one private key and
// its leaf certificate. gravitational-teleport's dependency pack carries
// go-pkcs12 for exactly this; the teacher repo has no PKCS#12 support of
// its own, so this is adopted wholesale rather than grounded in gosuda-portal.
func loadIdentity(path, alias, passphrase string) (*IdentityPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "trust: read keystore")
	}

	key, cert, err := pkcs12.Decode(data, passphrase)
	if err != nil {
		return nil, errors.Wrap(err, "trust: decode keystore")
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, errors.Newf("trust: keystore key for alias %q is not a signing key", alias)
	}
	if cert == nil {
		return nil, errors.Newf("trust: keystore for alias %q has no leaf certificate", alias)
	}

	return &IdentityPair{PrivateKey: signer, Certificate: cert}, nil
}
